// Package state persists batch parameter records and worker life signals.
package state

import (
	"context"
	"fmt"
	"time"

	"blobmover/pkg/config"
	"blobmover/pkg/models"
)

// Property names of a batch record, shared by every backend
const (
	propSrcConnection    = "SrcAccountConnectionString"
	propSrcContainer     = "SrcContainerName"
	propDestConnection   = "DestAccountConnectionString"
	propDestContainer    = "DestContainerName"
	propSelection        = "SrcBlobName"
	propExclusion        = "SrcExcludePattern"
	propDeleteFromSource = "DeleteFromSource"
	propSafeDelete       = "SafeDeleteFromSource"
	propTier             = "DestTier"
	propLocalTemp        = "LocalTempPath"
	propDeleteLocal      = "DeleteFromLocalTemp"
	propCopyTool         = "AzCopyPath"
	propCustomer         = "CustomerId"
	propOverwrite        = "OverwriteIfExists"
	propCreatedAt        = "CreatedAt"
)

// RecordStore is the durable table of batch records and life signals
type RecordStore interface {
	// EnsureTables creates the params and progress tables if absent
	EnsureTables(ctx context.Context) error
	// InsertBatch stores a new record and fails with models.ErrRecordExists if the key is taken
	InsertBatch(ctx context.Context, record models.BatchRecord) error
	// LoadBatch returns the record or models.ErrRecordNotFound
	LoadBatch(ctx context.Context, customerID, batchID string) (*models.BatchRecord, error)
	// SaveLifeSignal inserts or replaces a worker's heartbeat
	SaveLifeSignal(ctx context.Context, signal models.LifeSignal) error
	Close() error
}

// Open selects the record backend the same way queue.Open does
func Open(ctx context.Context, env config.Environment, account config.Account) (RecordStore, error) {
	if env.DatabaseURL != "" {
		return NewDBStateManager(ctx, env.DatabaseDriver, env.DatabaseURL, env.ParamsTable, env.ProgressTable)
	}
	if account.Kind == config.AccountAzure {
		return NewTableStore(account, env.ParamsTable, env.ProgressTable)
	}
	return nil, models.ConfigurationError("open record store",
		fmt.Errorf("%s accounts have no table service, set P2B_DATABASE_URL", account.Kind))
}

// RecordProperties flattens a batch record into its property bag
func RecordProperties(record models.BatchRecord) map[string]any {
	c := record.Configuration
	return map[string]any{
		propSrcConnection:    c.SrcAccountConnectionString,
		propSrcContainer:     c.SrcContainerName,
		propDestConnection:   c.DestAccountConnectionString,
		propDestContainer:    c.DestContainerName,
		propSelection:        c.SrcPattern,
		propExclusion:        c.SrcExcludePattern,
		propDeleteFromSource: c.DeleteFromSource,
		propSafeDelete:       c.SafeDeleteFromSource,
		propTier:             c.DestTier,
		propLocalTemp:        c.LocalTempPath,
		propDeleteLocal:      c.DeleteFromLocalTemp,
		propCopyTool:         c.CopyToolPath,
		propCustomer:         c.CustomerID,
		propOverwrite:        c.OverwriteIfExists,
		propCreatedAt:        record.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// RecordFromProperties rebuilds a batch record from its key and property bag.
// Missing properties keep their zero value.
func RecordFromProperties(customerID, batchID string, props map[string]any) models.BatchRecord {
	record := models.BatchRecord{
		CustomerID: customerID,
		BatchID:    batchID,
		Configuration: models.MovementConfiguration{
			SrcAccountConnectionString:  stringProp(props, propSrcConnection),
			SrcContainerName:            stringProp(props, propSrcContainer),
			DestAccountConnectionString: stringProp(props, propDestConnection),
			DestContainerName:           stringProp(props, propDestContainer),
			SrcPattern:                  stringProp(props, propSelection),
			SrcExcludePattern:           stringProp(props, propExclusion),
			DeleteFromSource:            boolProp(props, propDeleteFromSource),
			SafeDeleteFromSource:        boolProp(props, propSafeDelete),
			DestTier:                    stringProp(props, propTier),
			LocalTempPath:               stringProp(props, propLocalTemp),
			DeleteFromLocalTemp:         boolProp(props, propDeleteLocal),
			CopyToolPath:                stringProp(props, propCopyTool),
			CustomerID:                  stringProp(props, propCustomer),
			OverwriteIfExists:           boolProp(props, propOverwrite),
			BatchID:                     batchID,
		},
	}
	if record.Configuration.CustomerID == "" {
		record.Configuration.CustomerID = customerID
	}
	if created, err := time.Parse(time.RFC3339, stringProp(props, propCreatedAt)); err == nil {
		record.CreatedAt = created
	}
	return record
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func boolProp(props map[string]any, key string) bool {
	switch v := props[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "True"
	}
	return false
}
