package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory container that keeps insertion order as its
// native listing order. Used by tests and dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	name      string
	order     []string
	objects   map[string]Object
	pageSize  int
	listCalls int

	// failures injected per operation, consumed on use
	existsErr map[string]error
	deleteErr map[string]error
}

// NewMemoryStore creates an empty in-memory container
func NewMemoryStore(container string) *MemoryStore {
	return &MemoryStore{
		name:      container,
		objects:   make(map[string]Object),
		pageSize:  5000,
		existsErr: make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

// WithPageSize sets how many entries a listing page holds
func (m *MemoryStore) WithPageSize(n int) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.pageSize = n
	}
	return m
}

// Put adds or replaces an object
func (m *MemoryStore) Put(name string, size int64) {
	m.PutObject(Object{Name: name, Size: size, Type: "BlockBlob"})
}

// PutDirectory adds a directory placeholder
func (m *MemoryStore) PutDirectory(name string) {
	m.PutObject(Object{Name: name, IsDirectory: true})
}

// PutObject adds or replaces an object, keeping its original listing position
func (m *MemoryStore) PutObject(obj Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[obj.Name]; !ok {
		m.order = append(m.order, obj.Name)
	}
	obj.URL = m.ObjectURL(obj.Name)
	m.objects[obj.Name] = obj
}

// Remove drops an object without going through Delete
func (m *MemoryStore) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(name)
}

func (m *MemoryStore) removeLocked(name string) {
	if _, ok := m.objects[name]; !ok {
		return
	}
	delete(m.objects, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Has reports whether an object is present
func (m *MemoryStore) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[name]
	return ok
}

// Names returns all names in listing order
func (m *MemoryStore) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// ListCalls returns how many pages have been listed
func (m *MemoryStore) ListCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCalls
}

// FailExists makes the next Exists call for name return err
func (m *MemoryStore) FailExists(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsErr[name] = err
}

// FailDelete makes the next Delete call for name return err
func (m *MemoryStore) FailDelete(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr[name] = err
}

// Container returns the container name
func (m *MemoryStore) Container() string {
	return m.name
}

// ObjectURL returns a memory:// URL for the object
func (m *MemoryStore) ObjectURL(name string) string {
	return "memory://account/" + m.name + "/" + escapePath(name)
}

// NameFromURL resolves memory:// and any other URLs with a /<container>/ path
func (m *MemoryStore) NameFromURL(rawURL string) (string, error) {
	return nameAfterContainer(rawURL, m.name)
}

// ListPage returns the page starting at the numeric offset in marker
func (m *MemoryStore) ListPage(ctx context.Context, marker string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	start := 0
	if marker != "" {
		n, err := strconv.Atoi(marker)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid marker %q", marker)
		}
		start = n
	}
	if start > len(m.order) {
		start = len(m.order)
	}
	end := start + m.pageSize
	if end > len(m.order) {
		end = len(m.order)
	}

	page := Page{Objects: make([]Object, 0, end-start)}
	for _, name := range m.order[start:end] {
		page.Objects = append(page.Objects, m.objects[name])
	}
	if end < len(m.order) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

// Properties returns the stored object
func (m *MemoryStore) Properties(ctx context.Context, name string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[name]
	if !ok {
		return Object{}, fmt.Errorf("%s/%s: %w", m.name, name, ErrNotFound)
	}
	return obj, nil
}

// Exists reports whether the object is present
func (m *MemoryStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.existsErr[name]; ok {
		delete(m.existsErr, name)
		return false, err
	}
	_, ok := m.objects[name]
	return ok, nil
}

// Delete removes the object
func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.deleteErr[name]; ok {
		delete(m.deleteErr, name)
		return err
	}
	if _, ok := m.objects[name]; !ok {
		return fmt.Errorf("%s/%s: %w", m.name, name, ErrNotFound)
	}
	m.removeLocked(name)
	return nil
}

// Grant returns a grant whose signed URLs carry the permissions and expiry as query parameters
func (m *MemoryStore) Grant(_ context.Context, access Access) (Grant, error) {
	return &memoryGrant{store: m, access: access}, nil
}

type memoryGrant struct {
	store  *MemoryStore
	access Access
}

func (g *memoryGrant) Sign(_ context.Context, name string) (string, error) {
	q := url.Values{}
	q.Set("sp", g.access.Permissions.String())
	q.Set("se", g.access.Expiry.UTC().Format(time.RFC3339))
	if g.access.HTTPSOnly {
		q.Set("spr", "https")
	}
	return g.store.ObjectURL(name) + "?" + q.Encode(), nil
}

func (g *memoryGrant) ExpiresAt() time.Time {
	return g.access.Expiry
}

// StripQuery removes the signature from a signed URL
func StripQuery(signedURL string) string {
	base, _, _ := strings.Cut(signedURL, "?")
	return base
}
