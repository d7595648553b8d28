package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"blobmover/pkg/config"
	"blobmover/pkg/models"
)

// TableStore keeps records in the table service of an Azure storage account.
// Batch records use the customer as partition and the batch as row; life
// signals use the batch as partition and the worker as row.
type TableStore struct {
	service       *aztables.ServiceClient
	paramsTable   string
	progressTable string
}

// NewTableStore creates a record store on the account's table endpoint
func NewTableStore(account config.Account, paramsTable, progressTable string) (*TableStore, error) {
	endpoint := strings.TrimRight(account.TableEndpoint, "/") + "/"

	var (
		service *aztables.ServiceClient
		err     error
	)
	switch {
	case account.AccountKey != "":
		cred, credErr := aztables.NewSharedKeyCredential(account.AccountName, account.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("invalid shared key credential: %w", credErr)
		}
		service, err = aztables.NewServiceClientWithSharedKey(endpoint, cred, nil)
	case account.SharedAccessSignature != "":
		service, err = aztables.NewServiceClientWithNoCredential(endpoint+"?"+strings.TrimPrefix(account.SharedAccessSignature, "?"), nil)
	default:
		return nil, fmt.Errorf("account has neither a shared key nor a shared access signature")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create table client for %s: %w", endpoint, err)
	}

	return &TableStore{service: service, paramsTable: paramsTable, progressTable: progressTable}, nil
}

// EnsureTables creates both tables, tolerating ones that already exist
func (s *TableStore) EnsureTables(ctx context.Context) error {
	for _, name := range []string{s.progressTable, s.paramsTable} {
		if _, err := s.service.CreateTable(ctx, name, nil); err != nil && !hasStatus(err, http.StatusConflict) {
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}
	}
	return nil
}

// InsertBatch adds the record entity; an existing entity is never replaced
func (s *TableStore) InsertBatch(ctx context.Context, record models.BatchRecord) error {
	entity := RecordProperties(record)
	entity["PartitionKey"] = record.CustomerID
	entity["RowKey"] = record.BatchID

	body, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to encode batch record: %w", err)
	}

	_, err = s.service.NewClient(s.paramsTable).AddEntity(ctx, body, nil)
	if hasStatus(err, http.StatusConflict) {
		return fmt.Errorf("%s/%s: %w", record.CustomerID, record.BatchID, models.ErrRecordExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert batch record: %w", err)
	}
	return nil
}

// LoadBatch reads the record entity back
func (s *TableStore) LoadBatch(ctx context.Context, customerID, batchID string) (*models.BatchRecord, error) {
	resp, err := s.service.NewClient(s.paramsTable).GetEntity(ctx, customerID, batchID, nil)
	if hasStatus(err, http.StatusNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", customerID, batchID, models.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch record: %w", err)
	}

	var props map[string]any
	if err := json.Unmarshal(resp.Value, &props); err != nil {
		return nil, fmt.Errorf("failed to decode batch record: %w", err)
	}
	record := RecordFromProperties(customerID, batchID, props)
	return &record, nil
}

// SaveLifeSignal replaces the worker's heartbeat entity
func (s *TableStore) SaveLifeSignal(ctx context.Context, signal models.LifeSignal) error {
	entity := aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: signal.BatchID,
			RowKey:       signal.WorkerID,
		},
		Properties: map[string]any{
			"CustomerId":    signal.CustomerID,
			"Processed":     aztables.EDMInt64(signal.Processed),
			"Failed":        aztables.EDMInt64(signal.Failed),
			"Bytes":         aztables.EDMInt64(signal.Bytes),
			"CurrentObject": signal.CurrentObject,
			"SignalAt":      aztables.EDMDateTime(signal.At.UTC()),
		},
	}
	body, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to encode life signal: %w", err)
	}

	_, err = s.service.NewClient(s.progressTable).UpsertEntity(ctx, body, &aztables.UpsertEntityOptions{
		UpdateMode: aztables.UpdateModeReplace,
	})
	if err != nil {
		return fmt.Errorf("failed to save life signal: %w", err)
	}
	return nil
}

// Close is a no-op
func (s *TableStore) Close() error {
	return nil
}

func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
