package models

import (
	"fmt"
	"strings"
	"time"
)

// MovementConfiguration describes one migration intent. It is resolved once and
// passed by value into every component call.
type MovementConfiguration struct {
	SrcAccountConnectionString  string `json:"src_account_connection_string"`
	SrcContainerName            string `json:"src_container_name"`
	DestAccountConnectionString string `json:"dest_account_connection_string"`
	DestContainerName           string `json:"dest_container_name"`
	SrcPattern                  string `json:"src_pattern"`         // *[regex], >file, #n or an exact name
	SrcExcludePattern           string `json:"src_exclude_pattern"` // empty = no exclusions
	DeleteFromSource            bool   `json:"delete_from_source"`
	SafeDeleteFromSource        bool   `json:"safe_delete_from_source"` // only meaningful with DeleteFromSource
	DeleteFromLocalTemp         bool   `json:"delete_from_local_temp"`
	OverwriteIfExists           bool   `json:"overwrite_if_exists"`
	DestTier                    string `json:"dest_tier"`
	LocalTempPath               string `json:"local_temp_path"`
	CopyToolPath                string `json:"copy_tool_path"`
	CustomerID                  string `json:"customer_id"`
	BatchID                     string `json:"batch_id"`
}

// WithBatchID returns a copy of the configuration bound to a batch.
func (c MovementConfiguration) WithBatchID(batchID string) MovementConfiguration {
	c.BatchID = batchID
	return c
}

// Validate checks the fields every component relies on. Connection strings are
// parsed separately by the config package.
func (c MovementConfiguration) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"source connection string", c.SrcAccountConnectionString},
		{"source container", c.SrcContainerName},
		{"destination connection string", c.DestAccountConnectionString},
		{"destination container", c.DestContainerName},
		{"selection expression", c.SrcPattern},
		{"local temp path", c.LocalTempPath},
		{"copy tool path", c.CopyToolPath},
		{"customer id", c.CustomerID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return ConfigurationError("validate configuration",
				fmt.Errorf("%w: %s is required", ErrInvalidArguments, r.name))
		}
	}
	return nil
}

// SafeDeleteIgnored reports whether safe delete was requested without delete, which has no effect.
func (c MovementConfiguration) SafeDeleteIgnored() bool {
	return c.SafeDeleteFromSource && !c.DeleteFromSource
}

// LogOptions controls the mover's append-only log file.
type LogOptions struct {
	SaveLog bool
	LogPath string
}

// BatchRecord is the persisted projection of a MovementConfiguration, keyed by
// (CustomerID, BatchID). It is written once and never mutated.
type BatchRecord struct {
	CustomerID    string                `json:"customer_id"`
	BatchID       string                `json:"batch_id"`
	Configuration MovementConfiguration `json:"configuration"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Job is one queued unit of work: a single source object of a batch.
type Job struct {
	ObjectURL string `json:"object_url"`
	BatchID   string `json:"batch_id"`
	// DeliveryCount is how many times the queue has handed this job out, 1 on first delivery.
	DeliveryCount int64 `json:"delivery_count,omitempty"`
}

// TransferState is the per-object state held by a worker while it processes a job.
type TransferState string

const (
	StatePending       TransferState = "pending"
	StateDownloading   TransferState = "downloading"
	StateUploading     TransferState = "uploading"
	StateDeleteCheck   TransferState = "delete_check"
	StateSourceDeleted TransferState = "source_deleted"
	StateSourceKept    TransferState = "source_kept"
	StateLocalCleanup  TransferState = "local_cleanup"
	StateDone          TransferState = "done"
	StateFailed        TransferState = "failed"
)

// OutcomeStatus summarises how a job ended.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeSkipped   OutcomeStatus = "skipped" // nothing to do, e.g. already migrated
	OutcomeFailed    OutcomeStatus = "failed"
)

// TransferOutcome is the result of running the transfer engine on one job.
type TransferOutcome struct {
	Job           Job             `json:"job"`
	ObjectName    string          `json:"object_name"`
	Size          int64           `json:"size"`
	BlobType      string          `json:"blob_type"`
	Status        OutcomeStatus   `json:"status"`
	FinalState    TransferState   `json:"final_state"`
	States        []TransferState `json:"states"`
	SourceDeleted bool            `json:"source_deleted"`
	UploadSkipped bool            `json:"upload_skipped"` // destination already held a matching copy
	Err           error           `json:"-"`
	Warnings      []string        `json:"warnings,omitempty"`
	Duration      time.Duration   `json:"duration"`
}

// Failed reports whether the job ended in the Failed state.
func (o TransferOutcome) Failed() bool {
	return o.Status == OutcomeFailed
}

// LifeSignal is the periodic heartbeat a worker writes to the progress table.
type LifeSignal struct {
	BatchID       string    `json:"batch_id"`
	WorkerID      string    `json:"worker_id"`
	CustomerID    string    `json:"customer_id"`
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
	Bytes         int64     `json:"bytes"`
	CurrentObject string    `json:"current_object"`
	At            time.Time `json:"at"`
}
