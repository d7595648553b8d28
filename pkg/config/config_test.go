package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobmover/pkg/models"
)

const (
	azureConnection = "DefaultEndpointsProtocol=https;AccountName=source;AccountKey=a2V5PT0=;EndpointSuffix=core.windows.net"
	s3Connection    = "Provider=wasabi;AccessKeyId=AKIA;SecretAccessKey=hidden;Region=eu-central-1"
)

func batchArgs() []string {
	return []string{
		azureConnection, "vhds",
		s3Connection, "archive",
		`*\.vhd$`, "^tmp",
		"True", "TRUE",
		"archive", "work",
		"false", "False",
		"/opt/azcopy", "contoso",
	}
}

func TestParseBatchArguments(t *testing.T) {
	t.Parallel()

	conf, err := ParseBatchArguments(batchArgs())
	require.NoError(t, err)

	assert.Equal(t, models.MovementConfiguration{
		SrcAccountConnectionString:  azureConnection,
		SrcContainerName:            "vhds",
		DestAccountConnectionString: s3Connection,
		DestContainerName:           "archive",
		SrcPattern:                  `*\.vhd$`,
		SrcExcludePattern:           "^tmp",
		DeleteFromSource:            true,
		SafeDeleteFromSource:        true,
		DeleteFromLocalTemp:         false,
		OverwriteIfExists:           false,
		DestTier:                    "archive",
		LocalTempPath:               "work",
		CopyToolPath:                "/opt/azcopy",
		CustomerID:                  "contoso",
	}, conf)
}

func TestParseBatchArgumentsErrors(t *testing.T) {
	t.Parallel()

	_, err := ParseBatchArguments(batchArgs()[:13])
	assert.ErrorIs(t, err, models.ErrInvalidArguments)
	assert.True(t, models.IsKind(err, models.KindConfiguration))

	args := batchArgs()
	args[6] = "yes"
	_, err = ParseBatchArguments(args)
	assert.ErrorIs(t, err, models.ErrInvalidArguments)
	assert.Contains(t, err.Error(), "deleteFromSource")
}

func TestParseMoverArguments(t *testing.T) {
	t.Parallel()

	conf, logs, err := ParseMoverArguments(append(batchArgs(), "true", "/var/log/p2b"))
	require.NoError(t, err)
	assert.Equal(t, "contoso", conf.CustomerID)
	assert.Equal(t, models.LogOptions{SaveLog: true, LogPath: "/var/log/p2b"}, logs)

	_, _, err = ParseMoverArguments(batchArgs())
	assert.ErrorIs(t, err, models.ErrInvalidArguments)

	_, _, err = ParseMoverArguments(append(batchArgs(), "maybe", ""))
	assert.Error(t, err)
}

func TestParseAzureConnectionString(t *testing.T) {
	t.Parallel()

	account, err := ParseConnectionString(azureConnection)
	require.NoError(t, err)
	assert.Equal(t, AccountAzure, account.Kind)
	assert.Equal(t, "source", account.AccountName)
	assert.Equal(t, "a2V5PT0=", account.AccountKey, "values may contain '='")
	assert.Equal(t, "https://source.blob.core.windows.net", account.BlobEndpoint)
	assert.Equal(t, "https://source.queue.core.windows.net", account.QueueEndpoint)
	assert.Equal(t, "https://source.table.core.windows.net", account.TableEndpoint)

	account, err = ParseConnectionString("usedevelopmentstorage=true")
	require.NoError(t, err)
	assert.Equal(t, "devstoreaccount1", account.AccountName)
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", account.BlobEndpoint)

	account, err = ParseConnectionString("BlobEndpoint=https://acct.blob.core.windows.net;SharedAccessSignature=?sv=2022&sig=abc")
	require.NoError(t, err)
	assert.Equal(t, "sv=2022&sig=abc", account.SharedAccessSignature)
	assert.Empty(t, account.QueueEndpoint)
}

func TestParseS3ConnectionString(t *testing.T) {
	t.Parallel()

	account, err := ParseConnectionString(s3Connection)
	require.NoError(t, err)
	assert.Equal(t, AccountS3, account.Kind)
	require.NotNil(t, account.S3)
	assert.Equal(t, ProviderWasabi, account.S3.Provider)
	assert.Equal(t, "https://s3.eu-central-1.wasabisys.com", account.S3.EndpointURL)

	account, err = ParseConnectionString("Provider=minio;AccessKeyId=a;SecretAccessKey=b;EndpointUrl=http://minio:9000")
	require.NoError(t, err)
	assert.True(t, account.S3.ForcePathStyle)
	assert.Equal(t, "http://minio:9000", account.S3.EndpointURL)

	account, err = ParseConnectionString("Provider=aws;AccessKeyId=a;SecretAccessKey=b;ForcePathStyle=TRUE")
	require.NoError(t, err)
	assert.True(t, account.S3.ForcePathStyle)
	assert.Equal(t, "us-east-1", account.S3.Region)
}

func TestParseConnectionStringErrors(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{
		"",
		"   ",
		"AccountName=source",
		"AccountKey=abc",
		"AccountName=source;garbage",
		"Provider=ftp;AccessKeyId=a;SecretAccessKey=b",
		"Provider=custom;AccessKeyId=a;SecretAccessKey=b",
		"Provider=aws;AccessKeyId=a",
		"Provider=aws;ForcePathStyle=sometimes",
	} {
		_, err := ParseConnectionString(bad)
		assert.ErrorIs(t, err, models.ErrInvalidConnectionString, bad)
		assert.True(t, models.IsKind(err, models.KindConfiguration), bad)
	}
}

func TestResolveAccounts(t *testing.T) {
	t.Parallel()

	conf, err := ParseBatchArguments(batchArgs())
	require.NoError(t, err)

	src, dest, err := ResolveAccounts(conf)
	require.NoError(t, err)
	assert.Equal(t, AccountAzure, src.Kind)
	assert.Equal(t, AccountS3, dest.Kind)

	conf.DestAccountConnectionString = "nonsense"
	_, _, err = ResolveAccounts(conf)
	assert.ErrorIs(t, err, models.ErrInvalidConnectionString)
	assert.Contains(t, err.Error(), "destination account")

	conf.CopyToolPath = ""
	_, _, err = ResolveAccounts(conf)
	assert.ErrorIs(t, err, models.ErrInvalidArguments)
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"DefaultEndpointsProtocol=https;AccountName=source;AccountKey=***;EndpointSuffix=core.windows.net",
		Redacted(azureConnection))
	assert.Equal(t,
		"Provider=wasabi;AccessKeyId=AKIA;SecretAccessKey=***;Region=eu-central-1",
		Redacted(s3Connection))
	assert.Equal(t, "<invalid>", Redacted(""))
}

func TestEnvironmentDefaults(t *testing.T) {
	t.Parallel()

	env := DefaultEnvironment()
	env.HomePath = "/home/mover"
	require.NoError(t, env.Validate())

	assert.Equal(t, "p2bjobs-4f2a", env.QueueName("4F2A"))
	assert.Equal(t, filepath.Join("/home/mover", "work", "p2bdata"), env.DataFolder("work"))
	assert.Equal(t, filepath.Join("/mnt/disk", "p2bdata"), env.DataFolder("/mnt/disk"))
	assert.Equal(t, filepath.Join("/home/mover", "p2blogs"), env.LogsFolder())
	assert.Equal(t, 180*time.Minute, env.VisibilityTimeout())
	assert.Equal(t, time.Hour, env.QueueWait())

	at := time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)
	assert.Equal(t, "01/01/2024 22:04", at.In(env.Location()).Format("01/02/2006 15:04"))
}

func TestEnvironmentValidate(t *testing.T) {
	t.Parallel()

	env := DefaultEnvironment()
	env.JobsQueuePrefix = "P2B"
	assert.Error(t, env.Validate())

	env = DefaultEnvironment()
	env.SASValidity = time.Hour
	assert.Error(t, env.Validate())

	env = DefaultEnvironment()
	env.MaxDeliveries = 0
	assert.Error(t, env.Validate())

	env = DefaultEnvironment()
	env.ParamsTable = ""
	assert.Error(t, env.Validate())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("P2B_QUEUE_WAIT_MINUTES", "5")
	t.Setenv("P2B_SAS_VALIDITY", "120h")
	t.Setenv("DB_CONNECTION_STRING", "postgres://mover@db/p2b")

	// set by the .env file below; registered so the value is removed afterwards
	t.Setenv("P2B_JOBS_QUEUE_PREFIX", "")
	require.NoError(t, os.Unsetenv("P2B_JOBS_QUEUE_PREFIX"))

	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("P2B_JOBS_QUEUE_PREFIX=nightly\nP2B_QUEUE_WAIT_MINUTES=99\n"), 0o600))

	env, err := LoadEnvironment(dotenv, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 5, env.QueueWaitMinutes, "process environment wins over .env")
	assert.Equal(t, "nightly", env.JobsQueuePrefix)
	assert.Equal(t, 120*time.Hour, env.SASValidity)
	assert.Equal(t, "postgres://mover@db/p2b", env.DatabaseURL)
	assert.Equal(t, "page2blockparams", env.ParamsTable)
	assert.Equal(t, -5, env.HoursOffset)
}

func TestLoadEnvironmentRejectsInvalid(t *testing.T) {
	t.Setenv("P2B_MAX_DELIVERIES", "0")

	_, err := LoadEnvironment()
	assert.Error(t, err)
}
