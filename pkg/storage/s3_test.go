package storage

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobmover/pkg/config"
)

// isolateAWS keeps the developer's shared AWS files and CA bundle out of the test
func isolateAWS(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_CA_BUNDLE", "")
}

func writeCABundle(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "blobmover test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func minioAccount(t *testing.T) config.Account {
	t.Helper()
	account, err := config.ParseConnectionString("Provider=minio;AccessKeyId=minio;SecretAccessKey=minio123;EndpointUrl=http://minio:9000")
	require.NoError(t, err)
	return account
}

func TestS3GrantOnPlainHTTPEndpoint(t *testing.T) {
	isolateAWS(t)
	ctx := context.Background()

	store, err := NewS3Store(ctx, minioAccount(t), "archive")
	require.NoError(t, err)

	for _, perms := range []Permissions{SourcePermissions(), DestinationPermissions()} {
		grant, err := store.Grant(ctx, Access{Permissions: perms, Expiry: time.Now().Add(time.Hour), HTTPSOnly: true})
		require.NoError(t, err, perms.String())

		signed, err := grant.Sign(ctx, "disk 1.vhd")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(signed, "http://minio:9000/archive/disk%201.vhd?"), signed)

		u, err := url.Parse(signed)
		require.NoError(t, err)
		assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

		name, err := store.NameFromURL(StripQuery(signed))
		require.NoError(t, err)
		assert.Equal(t, "disk 1.vhd", name)
	}
}

func TestS3GrantCapsValidity(t *testing.T) {
	isolateAWS(t)
	ctx := context.Background()

	store, err := NewS3Store(ctx, minioAccount(t), "archive")
	require.NoError(t, err)

	_, err = store.Grant(ctx, Access{Permissions: SourcePermissions(), Expiry: time.Now().Add(-time.Minute)})
	assert.Error(t, err)

	grant, err := store.Grant(ctx, Access{Permissions: SourcePermissions(), Expiry: time.Now().Add(30 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), grant.ExpiresAt(), time.Minute)
}

func TestS3StoreWithCABundle(t *testing.T) {
	isolateAWS(t)
	t.Setenv("AWS_CA_BUNDLE", writeCABundle(t))
	ctx := context.Background()

	_, err := NewS3Store(ctx, minioAccount(t), "archive")
	require.NoError(t, err)

	creds := *minioAccount(t).S3
	awsCfg, err := config.LoadAWSConfig(ctx, &creds)
	require.NoError(t, err)

	client := withoutRedirects(awsCfg.HTTPClient)
	require.NotNil(t, client.CheckRedirect)
	assert.ErrorIs(t, client.CheckRedirect(nil, nil), http.ErrUseLastResponse)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.TLSClientConfig)
	assert.NotNil(t, transport.TLSClientConfig.RootCAs, "the CA bundle reaches the transport")
}

func TestNewS3StoreValidation(t *testing.T) {
	isolateAWS(t)
	ctx := context.Background()

	_, err := NewS3Store(ctx, minioAccount(t), "")
	assert.Error(t, err)
	_, err = NewS3Store(ctx, minioAccount(t), "archive")
	assert.NoError(t, err)

	account := minioAccount(t)
	account.S3 = nil
	_, err = NewS3Store(ctx, account, "archive")
	assert.Error(t, err)
}
