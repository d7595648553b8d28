package storage

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePaging(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore("vhds").WithPageSize(2)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		store.Put(name, 1)
	}
	ctx := context.Background()

	var (
		names   []string
		markers []string
		marker  string
	)
	for {
		page, err := store.ListPage(ctx, marker)
		require.NoError(t, err)
		for _, obj := range page.Objects {
			names = append(names, obj.Name)
		}
		markers = append(markers, page.Next)
		if page.Next == "" {
			break
		}
		marker = page.Next
	}

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, names)
	assert.Equal(t, []string{"2", "4", ""}, markers)
	assert.Equal(t, 3, store.ListCalls())

	page, err := store.ListPage(ctx, "99")
	require.NoError(t, err)
	assert.Empty(t, page.Objects)
	assert.Empty(t, page.Next)

	_, err = store.ListPage(ctx, "next-please")
	assert.Error(t, err)
}

func TestMemoryStoreKeepsListingOrder(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore("vhds")
	store.Put("b", 1)
	store.PutDirectory("dir/")
	store.Put("a", 1)
	store.Put("b", 7)

	assert.Equal(t, []string{"b", "dir/", "a"}, store.Names())

	obj, err := store.Properties(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, int64(7), obj.Size)
	assert.Equal(t, "memory://account/vhds/b", obj.URL)

	dir, err := store.Properties(context.Background(), "dir/")
	require.NoError(t, err)
	assert.True(t, dir.IsDirectory)

	store.Remove("b")
	store.Remove("missing")
	assert.Equal(t, []string{"dir/", "a"}, store.Names())
}

func TestMemoryStoreInjectedFailuresAreConsumed(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore("vhds")
	store.Put("a", 1)
	ctx := context.Background()
	boom := errors.New("service unavailable")

	store.FailExists("a", boom)
	_, err := store.Exists(ctx, "a")
	assert.ErrorIs(t, err, boom)
	exists, err := store.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	store.FailDelete("a", boom)
	assert.ErrorIs(t, store.Delete(ctx, "a"), boom)
	assert.True(t, store.Has("a"))
	require.NoError(t, store.Delete(ctx, "a"))
	assert.False(t, store.Has("a"))

	assert.ErrorIs(t, store.Delete(ctx, "a"), ErrNotFound)
	_, err = store.Properties(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	exists, err = store.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreHonoursCancellation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore("vhds")
	store.Put("a", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.ListPage(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.Properties(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Delete(ctx, "a"), context.Canceled)
	assert.True(t, store.Has("a"))
}

func TestMemoryGrantSignsQuery(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore("vhds")
	expiry := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	grant, err := store.Grant(context.Background(), Access{
		Permissions: DestinationPermissions(),
		Expiry:      expiry,
		HTTPSOnly:   true,
	})
	require.NoError(t, err)

	signed, err := grant.Sign(context.Background(), "disk 1.vhd")
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "wc", u.Query().Get("sp"))
	assert.Equal(t, "2024-01-05T00:00:00Z", u.Query().Get("se"))
	assert.Equal(t, "https", u.Query().Get("spr"))
	assert.Equal(t, "memory://account/vhds/disk%201.vhd", StripQuery(signed))
	assert.Equal(t, expiry, grant.ExpiresAt())
}
