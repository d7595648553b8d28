package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"blobmover/pkg/config"
)

const s3MaxRetries = 3

// S3Store is a bucket in an S3-compatible account
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	creds     config.Credentials
}

// NewS3Store creates a store for a bucket of an S3-compatible account
func NewS3Store(ctx context.Context, account config.Account, bucket string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if account.S3 == nil {
		return nil, fmt.Errorf("account has no S3 credentials")
	}

	client, err := newS3Client(ctx, *account.S3)
	if err != nil {
		return nil, err
	}
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		creds:     *account.S3,
	}, nil
}

func newS3Client(ctx context.Context, creds config.Credentials) (*s3.Client, error) {
	awsCfg, err := config.LoadAWSConfig(ctx, &creds, awsconfig.WithRetryMaxAttempts(s3MaxRetries))
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = s3MaxRetries
		if creds.EndpointURL != "" {
			o.BaseEndpoint = aws.String(creds.EndpointURL)
			// S3-compatible storage must not have its redirects followed
			o.HTTPClient = withoutRedirects(awsCfg.HTTPClient)
		}
		o.UsePathStyle = creds.ForcePathStyle
	}), nil
}

// withoutRedirects wraps the SDK's transport in a client that returns redirects
// to the caller. The transport keeps any CA bundle loaded from AWS_CA_BUNDLE.
func withoutRedirects(client aws.HTTPClient) *http.Client {
	c := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if buildable, ok := client.(*awshttp.BuildableClient); ok {
		c.Transport = buildable.GetTransport()
		c.Timeout = buildable.GetTimeout()
	}
	return c
}

// Container returns the bucket name
func (s *S3Store) Container() string {
	return s.bucket
}

// ObjectURL returns the unsigned absolute URL of an object
func (s *S3Store) ObjectURL(name string) string {
	key := escapePath(name)
	if s.creds.EndpointURL == "" {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.creds.Region, key)
	}
	endpoint := strings.TrimRight(s.creds.EndpointURL, "/")
	if s.creds.ForcePathStyle {
		return fmt.Sprintf("%s/%s/%s", endpoint, s.bucket, key)
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Sprintf("%s/%s/%s", endpoint, s.bucket, key)
	}
	return fmt.Sprintf("%s://%s.%s/%s", u.Scheme, s.bucket, u.Host, key)
}

// NameFromURL returns the object key of an absolute object URL
func (s *S3Store) NameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid object url %q: %w", rawURL, err)
	}
	if strings.HasPrefix(u.Host, s.bucket+".") {
		name := strings.TrimPrefix(u.Path, "/")
		if name == "" {
			return "", fmt.Errorf("object url %q has no object name", rawURL)
		}
		return name, nil
	}
	return nameAfterContainer(rawURL, s.bucket)
}

// ListPage returns one ListObjectsV2 page starting at the continuation token
func (s *S3Store) ListPage(ctx context.Context, marker string) (Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if marker != "" {
		input.ContinuationToken = aws.String(marker)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list bucket %s: %w", s.bucket, err)
	}

	var page Page
	for _, item := range out.Contents {
		key := aws.ToString(item.Key)
		size := aws.ToInt64(item.Size)
		page.Objects = append(page.Objects, Object{
			Name:        key,
			Size:        size,
			Type:        string(item.StorageClass),
			URL:         s.ObjectURL(key),
			IsDirectory: isDirectoryKey(key, size),
		})
	}
	page.Next = aws.ToString(out.NextContinuationToken)
	return page, nil
}

// Properties fetches the object's attributes with HeadObject
func (s *S3Store) Properties(ctx context.Context, name string) (Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Object{}, fmt.Errorf("%s/%s: %w", s.bucket, name, ErrNotFound)
		}
		return Object{}, fmt.Errorf("failed to head %s/%s: %w", s.bucket, name, err)
	}

	storageClass := string(out.StorageClass)
	if storageClass == "" {
		storageClass = string(types.StorageClassStandard)
	}
	size := aws.ToInt64(out.ContentLength)
	return Object{
		Name:        name,
		Size:        size,
		Type:        storageClass,
		ContentType: aws.ToString(out.ContentType),
		URL:         s.ObjectURL(name),
		IsDirectory: isDirectoryKey(name, size),
	}, nil
}

// Exists reports whether the object exists
func (s *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Properties(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the object
func (s *S3Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// Grant returns presigned-URL access. Read grants presign GET, write grants presign PUT.
func (s *S3Store) Grant(_ context.Context, access Access) (Grant, error) {
	validity := time.Until(access.Expiry)
	if validity <= 0 {
		return nil, fmt.Errorf("grant expiry %s is in the past", access.Expiry)
	}
	if validity > 7*24*time.Hour {
		// presigned URLs cannot outlive seven days
		validity = 7 * 24 * time.Hour
	}
	// presigned URLs take the endpoint's scheme, so an explicitly http endpoint
	// such as a local MinIO is signed as is, like an http Azure account
	return &s3Grant{
		store:    s,
		write:    access.Permissions.Write || access.Permissions.Create,
		validity: validity,
		expiry:   time.Now().Add(validity),
	}, nil
}

type s3Grant struct {
	store    *S3Store
	write    bool
	validity time.Duration
	expiry   time.Time
}

func (g *s3Grant) Sign(ctx context.Context, name string) (string, error) {
	bucket := aws.String(g.store.bucket)
	key := aws.String(name)
	expires := s3.WithPresignExpires(g.validity)

	if g.write {
		req, err := g.store.presigner.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: bucket, Key: key}, expires)
		if err != nil {
			return "", fmt.Errorf("failed to presign upload of %s: %w", name, err)
		}
		return req.URL, nil
	}

	req, err := g.store.presigner.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: bucket, Key: key}, expires)
	if err != nil {
		return "", fmt.Errorf("failed to presign download of %s: %w", name, err)
	}
	return req.URL, nil
}

func (g *s3Grant) ExpiresAt() time.Time {
	return g.expiry
}

// isDirectoryKey reports whether a key is a folder placeholder: empty and ending in "/"
func isDirectoryKey(key string, size int64) bool {
	return strings.HasSuffix(key, "/") && size == 0
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
