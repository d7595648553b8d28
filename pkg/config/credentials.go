package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"blobmover/pkg/models"
)

// AccountKind identifies the storage service behind a connection string
type AccountKind string

const (
	AccountAzure AccountKind = "azure"
	AccountS3    AccountKind = "s3"
)

// S3Provider represents different S3-compatible providers
type S3Provider string

const (
	ProviderAWS          S3Provider = "aws"
	ProviderMinIO        S3Provider = "minio"
	ProviderDigitalOcean S3Provider = "digitalocean"
	ProviderWasabi       S3Provider = "wasabi"
	ProviderBackblaze    S3Provider = "backblaze"
	ProviderCloudflare   S3Provider = "cloudflare"
	ProviderLinode       S3Provider = "linode"
	ProviderScaleway     S3Provider = "scaleway"
	ProviderCustom       S3Provider = "custom"
)

// Development storage (Azurite) well-known account
const (
	devStoreAccountName = "devstoreaccount1"
	devStoreAccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
)

// Account is a parsed storage account connection string
type Account struct {
	Kind             AccountKind
	ConnectionString string

	// Azure fields
	AccountName           string
	AccountKey            string
	SharedAccessSignature string
	Protocol              string
	EndpointSuffix        string
	BlobEndpoint          string
	QueueEndpoint         string
	TableEndpoint         string

	// S3 fields
	S3 *Credentials
}

// Credentials holds S3-compatible service credentials
type Credentials struct {
	Provider        S3Provider
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // Optional, mainly for AWS STS
	Region          string
	EndpointURL     string
	ForcePathStyle  bool // Required for MinIO and some providers
}

// ParseConnectionString parses an Azure storage or S3-compatible connection string.
// Keys are case-insensitive and values may contain '='.
func ParseConnectionString(connectionString string) (Account, error) {
	fields, err := splitConnectionString(connectionString)
	if err != nil {
		return Account{}, models.ConfigurationError("parse connection string", err)
	}

	if _, ok := fields["provider"]; ok {
		return parseS3(connectionString, fields)
	}
	if _, ok := fields["accesskeyid"]; ok {
		return parseS3(connectionString, fields)
	}
	return parseAzure(connectionString, fields)
}

func splitConnectionString(connectionString string) (map[string]string, error) {
	trimmed := strings.TrimSpace(connectionString)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", models.ErrInvalidConnectionString)
	}

	fields := make(map[string]string)
	for _, part := range strings.Split(trimmed, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: segment %q is not key=value", models.ErrInvalidConnectionString, part)
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return fields, nil
}

func parseAzure(raw string, fields map[string]string) (Account, error) {
	account := Account{
		Kind:                  AccountAzure,
		ConnectionString:      raw,
		AccountName:           fields["accountname"],
		AccountKey:            fields["accountkey"],
		SharedAccessSignature: strings.TrimPrefix(fields["sharedaccesssignature"], "?"),
		Protocol:              fields["defaultendpointsprotocol"],
		EndpointSuffix:        fields["endpointsuffix"],
		BlobEndpoint:          fields["blobendpoint"],
		QueueEndpoint:         fields["queueendpoint"],
		TableEndpoint:         fields["tableendpoint"],
	}

	if strings.EqualFold(fields["usedevelopmentstorage"], "true") {
		account.AccountName = devStoreAccountName
		account.AccountKey = devStoreAccountKey
		account.Protocol = "http"
		account.BlobEndpoint = "http://127.0.0.1:10000/" + devStoreAccountName
		account.QueueEndpoint = "http://127.0.0.1:10001/" + devStoreAccountName
		account.TableEndpoint = "http://127.0.0.1:10002/" + devStoreAccountName
		return account, nil
	}

	if account.Protocol == "" {
		account.Protocol = "https"
	}
	if account.EndpointSuffix == "" {
		account.EndpointSuffix = "core.windows.net"
	}

	if account.AccountKey == "" && account.SharedAccessSignature == "" {
		return Account{}, models.ConfigurationError("parse connection string",
			fmt.Errorf("%w: AccountKey or SharedAccessSignature is required", models.ErrInvalidConnectionString))
	}
	if account.AccountName == "" && account.BlobEndpoint == "" {
		return Account{}, models.ConfigurationError("parse connection string",
			fmt.Errorf("%w: AccountName or BlobEndpoint is required", models.ErrInvalidConnectionString))
	}
	if account.AccountKey != "" && account.AccountName == "" {
		return Account{}, models.ConfigurationError("parse connection string",
			fmt.Errorf("%w: AccountKey requires AccountName", models.ErrInvalidConnectionString))
	}

	if account.BlobEndpoint == "" {
		account.BlobEndpoint = account.serviceEndpoint("blob")
	}
	if account.QueueEndpoint == "" && account.AccountName != "" {
		account.QueueEndpoint = account.serviceEndpoint("queue")
	}
	if account.TableEndpoint == "" && account.AccountName != "" {
		account.TableEndpoint = account.serviceEndpoint("table")
	}
	return account, nil
}

func (a Account) serviceEndpoint(service string) string {
	return fmt.Sprintf("%s://%s.%s.%s", a.Protocol, a.AccountName, service, a.EndpointSuffix)
}

func parseS3(raw string, fields map[string]string) (Account, error) {
	provider := S3Provider(strings.ToLower(fields["provider"]))
	if provider == "" {
		provider = ProviderCustom
	}

	creds := NewCredentialsForProvider(provider, fields["accesskeyid"], fields["secretaccesskey"], fields["region"])
	creds.SessionToken = fields["sessiontoken"]
	if endpoint := fields["endpointurl"]; endpoint != "" {
		creds.WithEndpoint(endpoint)
	}
	if v, ok := fields["forcepathstyle"]; ok {
		pathStyle, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return Account{}, models.ConfigurationError("parse connection string",
				fmt.Errorf("%w: ForcePathStyle=%q", models.ErrInvalidConnectionString, v))
		}
		creds.WithPathStyle(pathStyle)
	}

	switch provider {
	case ProviderAWS, ProviderMinIO, ProviderDigitalOcean, ProviderWasabi, ProviderBackblaze,
		ProviderCloudflare, ProviderLinode, ProviderScaleway, ProviderCustom:
	default:
		return Account{}, models.ConfigurationError("parse connection string",
			fmt.Errorf("%w: unknown provider %q", models.ErrInvalidConnectionString, provider))
	}
	if (provider == ProviderCustom || provider == ProviderCloudflare) && creds.EndpointURL == "" {
		return Account{}, models.ConfigurationError("parse connection string",
			fmt.Errorf("%w: provider %s requires EndpointUrl", models.ErrInvalidConnectionString, provider))
	}
	if (creds.AccessKeyID == "") != (creds.SecretAccessKey == "") {
		return Account{}, models.ConfigurationError("parse connection string",
			fmt.Errorf("%w: AccessKeyId and SecretAccessKey must be given together", models.ErrInvalidConnectionString))
	}

	return Account{Kind: AccountS3, ConnectionString: raw, S3: creds}, nil
}

// Redacted returns the connection string with secrets masked, for display
func Redacted(connectionString string) string {
	fields, err := splitConnectionString(connectionString)
	if err != nil {
		return "<invalid>"
	}
	secret := map[string]bool{
		"accountkey":            true,
		"sharedaccesssignature": true,
		"secretaccesskey":       true,
		"sessiontoken":          true,
	}

	var parts []string
	for _, part := range strings.Split(strings.TrimSpace(connectionString), ";") {
		key, _, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		lower := strings.ToLower(strings.TrimSpace(key))
		if secret[lower] {
			parts = append(parts, key+"=***")
			continue
		}
		parts = append(parts, key+"="+fields[lower])
	}
	return strings.Join(parts, ";")
}

// LoadAWSConfig builds an aws.Config for the S3 account, in order of priority:
// 1. Explicit credentials in the connection string
// 2. Environment variables
// 3. AWS SDK default chain (credentials file, IAM role)
func LoadAWSConfig(ctx context.Context, creds *Credentials, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
	region := "us-east-1"
	if creds != nil && creds.Region != "" {
		region = creds.Region
	}

	options := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	switch {
	case creds != nil && creds.AccessKeyID != "" && creds.SecretAccessKey != "":
		options = append(options, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			creds.SessionToken,
		)))
	case os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != "":
		options = append(options, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			os.Getenv("AWS_ACCESS_KEY_ID"),
			os.Getenv("AWS_SECRET_ACCESS_KEY"),
			os.Getenv("AWS_SESSION_TOKEN"),
		)))
	}
	options = append(options, opts...)

	cfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	return cfg, nil
}

// NewCredentialsForProvider creates credentials with provider-specific defaults
// User can override any field after creation
func NewCredentialsForProvider(provider S3Provider, accessKey, secretKey, region string) *Credentials {
	creds := &Credentials{
		Provider:        provider,
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		Region:          region,
	}

	switch provider {
	case ProviderAWS:
		if region == "" {
			creds.Region = "us-east-1"
		}

	case ProviderMinIO:
		// MinIO requires path-style access
		creds.ForcePathStyle = true
		if region == "" {
			creds.Region = "us-east-1"
		}
		creds.EndpointURL = "http://localhost:9000"

	case ProviderDigitalOcean:
		if region == "" {
			creds.Region = "nyc3"
		}
		creds.EndpointURL = fmt.Sprintf("https://%s.digitaloceanspaces.com", creds.Region)

	case ProviderWasabi:
		if region == "" {
			creds.Region = "us-east-1"
		}
		creds.EndpointURL = fmt.Sprintf("https://s3.%s.wasabisys.com", creds.Region)

	case ProviderBackblaze:
		if region == "" {
			creds.Region = "us-west-004"
		}
		creds.EndpointURL = fmt.Sprintf("https://s3.%s.backblazeb2.com", creds.Region)

	case ProviderCloudflare:
		if region == "" {
			creds.Region = "auto"
		}
		// EndpointURL must carry the account id: https://ACCOUNT_ID.r2.cloudflarestorage.com

	case ProviderLinode:
		if region == "" {
			creds.Region = "us-east-1"
		}
		creds.EndpointURL = fmt.Sprintf("https://%s.linodeobjects.com", creds.Region)

	case ProviderScaleway:
		if region == "" {
			creds.Region = "nl-ams"
		}
		creds.EndpointURL = fmt.Sprintf("https://s3.%s.scw.cloud", creds.Region)

	case ProviderCustom:
		creds.ForcePathStyle = true // Usually required for custom providers
		if region == "" {
			creds.Region = "us-east-1"
		}
	}

	return creds
}

// WithEndpoint sets a custom endpoint URL (overrides provider default)
func (c *Credentials) WithEndpoint(endpointURL string) *Credentials {
	c.EndpointURL = endpointURL
	return c
}

// WithPathStyle sets path-style addressing
func (c *Credentials) WithPathStyle(forcePathStyle bool) *Credentials {
	c.ForcePathStyle = forcePathStyle
	return c
}
