// Package storage abstracts the blob-storage containers objects are moved between.
//
// A Store is scoped to one container. Listing is exposed page by page so callers
// control the continuation loop; signed access is issued as a Grant that can sign
// object URLs for the external copy tool.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"blobmover/pkg/config"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// Object describes a stored object
type Object struct {
	Name        string
	Size        int64
	Type        string // BlockBlob, PageBlob, AppendBlob or the S3 storage class
	ContentType string
	URL         string
	IsDirectory bool // directory placeholder, never migrated
}

// Page is one listing segment. Next is empty when the listing is exhausted.
type Page struct {
	Objects []Object
	Next    string
}

// Permissions is the set of operations a grant allows
type Permissions struct {
	Read   bool
	List   bool
	Delete bool
	Write  bool
	Create bool
}

// String renders permissions in account SAS order (rwdlc)
func (p Permissions) String() string {
	var b strings.Builder
	if p.Read {
		b.WriteByte('r')
	}
	if p.Write {
		b.WriteByte('w')
	}
	if p.Delete {
		b.WriteByte('d')
	}
	if p.List {
		b.WriteByte('l')
	}
	if p.Create {
		b.WriteByte('c')
	}
	return b.String()
}

// SourcePermissions are the rights needed on the source account
func SourcePermissions() Permissions {
	return Permissions{Read: true, List: true, Delete: true}
}

// DestinationPermissions are the rights needed on the destination account
func DestinationPermissions() Permissions {
	return Permissions{Write: true, Create: true}
}

// Access parameterises a signed access grant
type Access struct {
	Permissions Permissions
	Expiry      time.Time
	HTTPSOnly   bool
}

// Grant signs object URLs with time-boxed access
type Grant interface {
	Sign(ctx context.Context, name string) (string, error)
	ExpiresAt() time.Time
}

// Store is a single container in a blob-storage account
type Store interface {
	Container() string
	ObjectURL(name string) string
	NameFromURL(rawURL string) (string, error)
	ListPage(ctx context.Context, marker string) (Page, error)
	Properties(ctx context.Context, name string) (Object, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
	Grant(ctx context.Context, access Access) (Grant, error)
}

// Open connects to the container of the given account
func Open(ctx context.Context, account config.Account, container string) (Store, error) {
	switch account.Kind {
	case config.AccountAzure:
		return NewAzureStore(account, container)
	case config.AccountS3:
		return NewS3Store(ctx, account, container)
	default:
		return nil, fmt.Errorf("unsupported account kind %q", account.Kind)
	}
}

// nameAfterContainer returns the part of a URL path following /<container>/
func nameAfterContainer(rawURL, container string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid object url %q: %w", rawURL, err)
	}
	segment := "/" + container + "/"
	idx := strings.Index(u.Path, segment)
	if idx < 0 {
		return "", fmt.Errorf("object url %q is not in container %q", rawURL, container)
	}
	name := u.Path[idx+len(segment):]
	if name == "" {
		return "", fmt.Errorf("object url %q has no object name", rawURL)
	}
	return name, nil
}

// escapePath escapes each segment of an object name, keeping the separators
func escapePath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func appendQuery(rawURL, query string) string {
	if query == "" {
		return rawURL
	}
	if strings.Contains(rawURL, "?") {
		return rawURL + "&" + query
	}
	return rawURL + "?" + query
}
