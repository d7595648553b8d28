package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"blobmover/pkg/config"
)

// hdi_isfolder marks directory placeholders in hierarchical-namespace accounts
const folderMetadataKey = "hdi_isfolder"

// AzureStore is a container in an Azure storage account
type AzureStore struct {
	account      config.Account
	name         string
	containerURL string
	client       *container.Client
}

// NewAzureStore creates a store for the container of an Azure account
func NewAzureStore(account config.Account, containerName string) (*AzureStore, error) {
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}
	containerURL := strings.TrimRight(account.BlobEndpoint, "/") + "/" + containerName

	var (
		client *container.Client
		err    error
	)
	switch {
	case account.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(account.AccountName, account.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("invalid shared key credential: %w", credErr)
		}
		client, err = container.NewClientWithSharedKeyCredential(containerURL, cred, nil)
	case account.SharedAccessSignature != "":
		client, err = container.NewClientWithNoCredential(appendQuery(containerURL, account.SharedAccessSignature), nil)
	default:
		return nil, fmt.Errorf("account has neither a shared key nor a shared access signature")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create container client for %s: %w", containerURL, err)
	}

	return &AzureStore{
		account:      account,
		name:         containerName,
		containerURL: containerURL,
		client:       client,
	}, nil
}

// Container returns the container name
func (s *AzureStore) Container() string {
	return s.name
}

// ObjectURL returns the unsigned absolute URL of a blob
func (s *AzureStore) ObjectURL(name string) string {
	return s.containerURL + "/" + escapePath(name)
}

// NameFromURL returns the blob name of an absolute blob URL
func (s *AzureStore) NameFromURL(rawURL string) (string, error) {
	return nameAfterContainer(rawURL, s.name)
}

// ListPage returns one flat listing segment starting at marker
func (s *AzureStore) ListPage(ctx context.Context, marker string) (Page, error) {
	opts := &container.ListBlobsFlatOptions{
		Include: container.ListBlobsInclude{Metadata: true},
	}
	if marker != "" {
		opts.Marker = to.Ptr(marker)
	}

	resp, err := s.client.NewListBlobsFlatPager(opts).NextPage(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list container %s: %w", s.name, err)
	}

	var page Page
	if resp.Segment != nil {
		for _, item := range resp.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			obj := Object{
				Name:        *item.Name,
				URL:         s.ObjectURL(*item.Name),
				IsDirectory: isFolder(item.Metadata),
			}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil {
					obj.Size = *p.ContentLength
				}
				if p.BlobType != nil {
					obj.Type = string(*p.BlobType)
				}
				if p.ContentType != nil {
					obj.ContentType = *p.ContentType
				}
			}
			page.Objects = append(page.Objects, obj)
		}
	}
	if resp.NextMarker != nil {
		page.Next = *resp.NextMarker
	}
	return page, nil
}

// Properties fetches the blob's attributes
func (s *AzureStore) Properties(ctx context.Context, name string) (Object, error) {
	props, err := s.client.NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return Object{}, fmt.Errorf("%s/%s: %w", s.name, name, ErrNotFound)
		}
		return Object{}, fmt.Errorf("failed to get properties of %s/%s: %w", s.name, name, err)
	}

	obj := Object{
		Name:        name,
		URL:         s.ObjectURL(name),
		IsDirectory: isFolder(props.Metadata),
	}
	if props.ContentLength != nil {
		obj.Size = *props.ContentLength
	}
	if props.BlobType != nil {
		obj.Type = string(*props.BlobType)
	}
	if props.ContentType != nil {
		obj.ContentType = *props.ContentType
	}
	return obj, nil
}

// Exists reports whether the blob exists
func (s *AzureStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Properties(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the blob together with its snapshots
func (s *AzureStore) Delete(ctx context.Context, name string) error {
	_, err := s.client.NewBlobClient(name).Delete(ctx, &blob.DeleteOptions{
		DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude),
	})
	if err != nil {
		if isAzureNotFound(err) {
			return fmt.Errorf("%s/%s: %w", s.name, name, ErrNotFound)
		}
		return fmt.Errorf("failed to delete %s/%s: %w", s.name, name, err)
	}
	return nil
}

// Grant issues an account SAS scoped to the blob service. Accounts configured
// with a SAS instead of a key reuse that signature.
func (s *AzureStore) Grant(_ context.Context, access Access) (Grant, error) {
	if s.account.AccountKey == "" {
		if s.account.SharedAccessSignature == "" {
			return nil, fmt.Errorf("account has no key to sign with")
		}
		return &azureGrant{store: s, token: s.account.SharedAccessSignature, expiry: access.Expiry}, nil
	}

	cred, err := azblob.NewSharedKeyCredential(s.account.AccountName, s.account.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid shared key credential: %w", err)
	}

	perms := sas.AccountPermissions{
		Read:   access.Permissions.Read,
		Write:  access.Permissions.Write,
		Delete: access.Permissions.Delete,
		List:   access.Permissions.List,
		Create: access.Permissions.Create,
	}
	resources := sas.AccountResourceTypes{Container: true, Object: true}
	protocol := sas.ProtocolHTTPSandHTTP
	if access.HTTPSOnly && !strings.EqualFold(s.account.Protocol, "http") {
		protocol = sas.ProtocolHTTPS
	}

	qp, err := sas.AccountSignatureValues{
		Protocol:      protocol,
		ExpiryTime:    access.Expiry.UTC(),
		Permissions:   perms.String(),
		ResourceTypes: resources.String(),
	}.SignWithSharedKey(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to sign account SAS: %w", err)
	}

	return &azureGrant{store: s, token: qp.Encode(), expiry: access.Expiry}, nil
}

type azureGrant struct {
	store  *AzureStore
	token  string
	expiry time.Time
}

func (g *azureGrant) Sign(_ context.Context, name string) (string, error) {
	return appendQuery(g.store.ObjectURL(name), g.token), nil
}

func (g *azureGrant) ExpiresAt() time.Time {
	return g.expiry
}

func isFolder(metadata map[string]*string) bool {
	for k, v := range metadata {
		if strings.EqualFold(k, folderMetadataKey) && v != nil && strings.EqualFold(*v, "true") {
			return true
		}
	}
	return false
}

func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ResourceNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
