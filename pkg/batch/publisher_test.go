package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobmover/pkg/config"
	"blobmover/pkg/models"
	"blobmover/pkg/queue"
	"blobmover/pkg/state"
	"blobmover/pkg/storage"
)

const (
	srcConnection  = "DefaultEndpointsProtocol=https;AccountName=source;AccountKey=c2VjcmV0;EndpointSuffix=core.windows.net"
	destConnection = "DefaultEndpointsProtocol=https;AccountName=archive;AccountKey=c2VjcmV0;EndpointSuffix=core.windows.net"
)

func movement() models.MovementConfiguration {
	return models.MovementConfiguration{
		SrcAccountConnectionString:  srcConnection,
		SrcContainerName:            "vhds",
		DestAccountConnectionString: destConnection,
		DestContainerName:           "vhds-archive",
		SrcPattern:                  "*",
		DeleteFromSource:            true,
		SafeDeleteFromSource:        true,
		DeleteFromLocalTemp:         true,
		DestTier:                    "archive",
		LocalTempPath:               "work",
		CopyToolPath:                "/opt/azcopy",
		CustomerID:                  "contoso",
	}
}

type harness struct {
	env     config.Environment
	records *state.MemoryStore
	queues  *queue.MemoryService
	source  *storage.MemoryStore
	opened  config.Account
}

func newHarness(names ...string) *harness {
	h := &harness{
		env:     config.DefaultEnvironment(),
		records: state.NewMemoryStore(),
		queues:  queue.NewMemoryService(),
		source:  storage.NewMemoryStore("vhds"),
	}
	for i, name := range names {
		h.source.Put(name, int64(i+1)*100)
	}
	return h
}

func (h *harness) publisher(opts ...Option) *Publisher {
	opts = append([]Option{
		WithIDGenerator(func() string { return "B1" }),
		WithStoreOpener(func(_ context.Context, account config.Account, container string) (storage.Store, error) {
			h.opened = account
			return h.source, nil
		}),
	}, opts...)
	return NewPublisher(h.env, h.records, h.queues, opts...)
}

func TestPublish(t *testing.T) {
	t.Parallel()

	h := newHarness("a.vhd", "b.vhd", "c.vhd")
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var progress [][2]int
	validated := false

	result, err := h.publisher(
		WithClock(func() time.Time { return created }),
		WithProgress(func(done, total int) { progress = append(progress, [2]int{done, total}) }),
		WithAccountsValidated(func() { validated = true }),
	).Publish(context.Background(), movement())
	require.NoError(t, err)

	assert.True(t, validated)
	assert.Equal(t, Result{BatchID: "B1", QueueName: "p2bjobs-b1", Enqueued: 3, TotalBytes: 600}, result)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, progress)
	assert.Equal(t, "source", h.opened.AccountName)

	assert.True(t, h.records.TablesCreated())
	record, err := h.records.LoadBatch(context.Background(), "contoso", "B1")
	require.NoError(t, err)
	assert.Equal(t, "B1", record.Configuration.BatchID)
	assert.Equal(t, "vhds-archive", record.Configuration.DestContainerName)
	assert.Equal(t, created, record.CreatedAt)

	q := h.queues.MemoryQueue("p2bjobs-b1")
	assert.True(t, q.Created())
	assert.Equal(t, []string{
		h.source.ObjectURL("a.vhd"),
		h.source.ObjectURL("b.vhd"),
		h.source.ObjectURL("c.vhd"),
	}, q.Bodies())
}

func TestPublishAppliesSelection(t *testing.T) {
	t.Parallel()

	h := newHarness("disk1.vhd", "tmp-disk2.vhd", "disk3.vhd", "notes.txt")
	cfg := movement()
	cfg.SrcPattern = `*\.vhd$`
	cfg.SrcExcludePattern = "^tmp"

	result, err := h.publisher().Publish(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Enqueued)
	assert.Equal(t, []string{
		h.source.ObjectURL("disk1.vhd"),
		h.source.ObjectURL("disk3.vhd"),
	}, h.queues.MemoryQueue(result.QueueName).Bodies())
}

func TestPublishRejectsBadAccountsBeforePersisting(t *testing.T) {
	t.Parallel()

	h := newHarness("a.vhd")
	cfg := movement()
	cfg.DestAccountConnectionString = "AccountName=archive"

	_, err := h.publisher().Publish(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConfiguration))
	assert.ErrorIs(t, err, models.ErrInvalidConnectionString)
	assert.False(t, h.records.TablesCreated())
	assert.Zero(t, h.records.RecordCount())
}

func TestPublishRejectsMissingFields(t *testing.T) {
	t.Parallel()

	h := newHarness("a.vhd")
	cfg := movement()
	cfg.CustomerID = " "

	_, err := h.publisher().Publish(context.Background(), cfg)
	assert.ErrorIs(t, err, models.ErrInvalidArguments)
	assert.Zero(t, h.records.RecordCount())
}

func TestPublishRecordIsInsertOnly(t *testing.T) {
	t.Parallel()

	h := newHarness("a.vhd")
	p := h.publisher()

	_, err := p.Publish(context.Background(), movement())
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), movement())
	assert.ErrorIs(t, err, models.ErrRecordExists)
	assert.Len(t, h.queues.MemoryQueue("p2bjobs-b1").Bodies(), 1, "the second publish must not enqueue")
}

func TestPublishSelectionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness("a.vhd")
	cfg := movement()
	cfg.SrcPattern = "missing.vhd"

	result, err := h.publisher().Publish(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindSelection))
	assert.ErrorIs(t, err, models.ErrObjectNotFound)
	assert.Equal(t, "B1", result.BatchID)
	assert.False(t, h.queues.MemoryQueue("p2bjobs-b1").Created())
}

func TestPublishEnqueueFailure(t *testing.T) {
	t.Parallel()

	h := newHarness("a.vhd", "b.vhd", "c.vhd")
	h.queues.MemoryQueue("p2bjobs-b1").FailEnqueueAfter = 2

	result, err := h.publisher().Publish(context.Background(), movement())
	require.Error(t, err)
	assert.Equal(t, 2, result.Enqueued)
}

func TestPublishOpenStoreFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	p := h.publisher(WithStoreOpener(func(context.Context, config.Account, string) (storage.Store, error) {
		return nil, errors.New("dns failure")
	}))

	_, err := p.Publish(context.Background(), movement())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConfiguration))
}

func TestPublishEmptySelection(t *testing.T) {
	t.Parallel()

	h := newHarness()
	result, err := h.publisher().Publish(context.Background(), movement())
	require.NoError(t, err)
	assert.Zero(t, result.Enqueued)
	assert.True(t, h.queues.MemoryQueue(result.QueueName).Created())
}
