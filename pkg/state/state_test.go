package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobmover/pkg/config"
	"blobmover/pkg/models"
)

func sampleRecord() models.BatchRecord {
	conf := models.MovementConfiguration{
		SrcAccountConnectionString:  "DefaultEndpointsProtocol=https;AccountName=src;AccountKey=a2V5",
		SrcContainerName:            "vhds",
		DestAccountConnectionString: "DefaultEndpointsProtocol=https;AccountName=dst;AccountKey=a2V5",
		DestContainerName:           "archive",
		SrcPattern:                  "*\\.vhd$",
		SrcExcludePattern:           "^tmp",
		DeleteFromSource:            true,
		SafeDeleteFromSource:        true,
		DestTier:                    "Archive",
		LocalTempPath:               "work",
		DeleteFromLocalTemp:         true,
		CopyToolPath:                "/usr/bin/azcopy",
		CustomerID:                  "contoso",
	}
	return models.BatchRecord{
		CustomerID:    "contoso",
		BatchID:       "b-1",
		Configuration: conf.WithBatchID("b-1"),
		CreatedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordPropertiesRoundTripThroughJSON(t *testing.T) {
	t.Parallel()

	record := sampleRecord()
	encoded, err := json.Marshal(RecordProperties(record))
	require.NoError(t, err)

	var props map[string]any
	require.NoError(t, json.Unmarshal(encoded, &props))

	assert.Equal(t, "*\\.vhd$", props["SrcBlobName"])
	assert.Equal(t, "/usr/bin/azcopy", props["AzCopyPath"])
	assert.Equal(t, record, RecordFromProperties(record.CustomerID, record.BatchID, props))
}

func TestRecordFromPropertiesDefaults(t *testing.T) {
	t.Parallel()

	record := RecordFromProperties("contoso", "b-2", map[string]any{"DeleteFromSource": "True"})
	assert.Equal(t, "contoso", record.Configuration.CustomerID)
	assert.Equal(t, "b-2", record.Configuration.BatchID)
	assert.True(t, record.Configuration.DeleteFromSource)
	assert.False(t, record.Configuration.OverwriteIfExists)
	assert.True(t, record.CreatedAt.IsZero())
}

func TestMemoryStoreInsertOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	record := sampleRecord()

	require.Error(t, store.InsertBatch(ctx, record), "tables must exist first")
	require.NoError(t, store.EnsureTables(ctx))
	require.NoError(t, store.InsertBatch(ctx, record))

	changed := record
	changed.Configuration.DestTier = "Hot"
	assert.ErrorIs(t, store.InsertBatch(ctx, changed), models.ErrRecordExists)

	loaded, err := store.LoadBatch(ctx, record.CustomerID, record.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "Archive", loaded.Configuration.DestTier)
	assert.Equal(t, 1, store.RecordCount())

	_, err = store.LoadBatch(ctx, record.CustomerID, "other")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestMemoryStoreLifeSignalUpsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	signal := models.LifeSignal{BatchID: "b-1", WorkerID: "w-1", Processed: 1}
	require.NoError(t, store.SaveLifeSignal(ctx, signal))
	signal.Processed = 7
	require.NoError(t, store.SaveLifeSignal(ctx, signal))

	got, ok := store.LifeSignal("b-1", "w-1")
	require.True(t, ok)
	assert.Equal(t, int64(7), got.Processed)
}

func TestOpenWithoutBackend(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), config.DefaultEnvironment(), config.Account{Kind: config.AccountS3})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConfiguration))
}

func TestNewDBStateManagerRejectsTableNames(t *testing.T) {
	t.Parallel()

	_, err := NewDBStateManager(context.Background(), "postgres", "postgres://localhost/none", "params; DROP", "progress")
	assert.ErrorContains(t, err, "invalid table name")
}
