// Package transfer moves single objects from the source container to the
// destination container through local staging, re-tiering them on upload and
// deleting the source only under the configured delete policy.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"blobmover/pkg/console"
	"blobmover/pkg/copytool"
	"blobmover/pkg/models"
	"blobmover/pkg/progress"
	"blobmover/pkg/storage"
)

const (
	defaultSASValidity   = 96 * time.Hour
	defaultRefreshMargin = 3 * time.Hour
	separatorLine        = "............................................................................."
)

// Engine runs the per-object transfer state machine for one run. Jobs are
// processed one at a time; an Engine is not meant to run jobs concurrently.
type Engine struct {
	cfg     models.MovementConfiguration
	tier    string
	source  storage.Store
	dest    storage.Store
	runner  copytool.Runner
	staging string

	sasValidity   time.Duration
	refreshMargin time.Duration
	toolCheck     func(string) error
	now           func() time.Time

	grantMu     sync.Mutex
	sourceGrant storage.Grant
	destGrant   storage.Grant

	out     io.Writer
	sink    progress.LogSink
	tracker *progress.Tracker
	metrics *progress.Metrics
	logger  *slog.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithOutput sets where console progress is written
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

// WithLogSink sets the operator log file sink
func WithLogSink(sink progress.LogSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithTracker shares a tracker with the caller
func WithTracker(t *progress.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithMetrics records telemetry on m
func WithMetrics(m *progress.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the diagnostic logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStagingRoot overrides the local staging folder, which defaults to the configured LocalTempPath
func WithStagingRoot(path string) Option {
	return func(e *Engine) { e.staging = path }
}

// WithSASValidity sets how long signed access stays valid
func WithSASValidity(d time.Duration) Option {
	return func(e *Engine) { e.sasValidity = d }
}

// WithGrantRefreshMargin re-signs access when less than d of validity remains
func WithGrantRefreshMargin(d time.Duration) Option {
	return func(e *Engine) { e.refreshMargin = d }
}

// WithToolCheck replaces the copy tool path validation
func WithToolCheck(check func(string) error) Option {
	return func(e *Engine) { e.toolCheck = check }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine validates the run setup once: tier, copy tool, staging folder and
// signed access to both containers. Every failure here is a configuration error.
func NewEngine(ctx context.Context, cfg models.MovementConfiguration, source, dest storage.Store, runner copytool.Runner, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:           cfg,
		source:        source,
		dest:          dest,
		runner:        runner,
		staging:       cfg.LocalTempPath,
		sasValidity:   defaultSASValidity,
		refreshMargin: defaultRefreshMargin,
		toolCheck:     copytool.CheckTool,
		now:           time.Now,
		out:           os.Stdout,
		sink:          progress.NopSink{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracker == nil {
		e.tracker = progress.NewTracker(0)
	}

	tier, err := NormalizeTier(cfg.DestTier)
	if err != nil {
		return nil, err
	}
	e.tier = tier

	if e.toolCheck != nil {
		if err := e.toolCheck(cfg.CopyToolPath); err != nil {
			return nil, models.ConfigurationError("check copy tool", err)
		}
	}

	if strings.TrimSpace(e.staging) == "" {
		return nil, models.ConfigurationError("prepare staging",
			fmt.Errorf("%w: local temp path is required", models.ErrInvalidArguments))
	}
	if err := os.MkdirAll(e.staging, 0o755); err != nil {
		return nil, models.ConfigurationError("prepare staging", err)
	}

	if cfg.SafeDeleteIgnored() {
		e.logger.Warn("safe delete has no effect without delete from source")
	}

	if err := e.refreshGrants(ctx, true); err != nil {
		return nil, err
	}
	return e, nil
}

// Tracker returns the run's counters
func (e *Engine) Tracker() *progress.Tracker {
	return e.tracker
}

// refreshGrants signs fresh access to both containers when forced or when
// the current grants are about to expire.
func (e *Engine) refreshGrants(ctx context.Context, force bool) error {
	e.grantMu.Lock()
	defer e.grantMu.Unlock()

	now := e.now()
	if !force && e.sourceGrant != nil && e.sourceGrant.ExpiresAt().Sub(now) > e.refreshMargin &&
		e.destGrant.ExpiresAt().Sub(now) > e.refreshMargin {
		return nil
	}

	expiry := now.Add(e.sasValidity)
	sourceGrant, err := e.source.Grant(ctx, storage.Access{
		Permissions: storage.SourcePermissions(),
		Expiry:      expiry,
		HTTPSOnly:   true,
	})
	if err != nil {
		return models.ConfigurationError("grant source access", err)
	}
	destGrant, err := e.dest.Grant(ctx, storage.Access{
		Permissions: storage.DestinationPermissions(),
		Expiry:      expiry,
		HTTPSOnly:   true,
	})
	if err != nil {
		return models.ConfigurationError("grant destination access", err)
	}

	e.sourceGrant, e.destGrant = sourceGrant, destGrant
	e.logger.Debug("signed access issued", "expires", expiry)
	return nil
}

// job carries the mutable state of one Transfer call
type job struct {
	outcome   models.TransferOutcome
	localPath string
	sourceURL string
}

func (j *job) enter(state models.TransferState) {
	j.outcome.States = append(j.outcome.States, state)
	j.outcome.FinalState = state
}

// Transfer moves one object. Per-object failures are reported in the outcome
// and never returned as an error; the error is non-nil only when the run
// cannot continue, such as the copy tool disappearing.
func (e *Engine) Transfer(ctx context.Context, in models.Job) (models.TransferOutcome, error) {
	start := e.now()
	j := &job{outcome: models.TransferOutcome{Job: in}}
	j.enter(models.StatePending)

	e.metrics.JobStarted()
	fatal := e.run(ctx, j)

	j.outcome.Duration = e.now().Sub(start)
	e.tracker.Record(j.outcome)
	e.metrics.JobFinished(j.outcome)
	return j.outcome, fatal
}

func (e *Engine) run(ctx context.Context, j *job) error {
	name, err := e.source.NameFromURL(j.outcome.Job.ObjectURL)
	if err != nil {
		e.fail(j, models.TransferError("resolve object", err))
		return nil
	}
	j.outcome.ObjectName = name
	j.sourceURL = e.source.ObjectURL(name)
	idx := e.tracker.Next()
	e.tracker.SetCurrent(name)

	if err := e.refreshGrants(ctx, false); err != nil {
		e.fail(j, err)
		return err
	}

	// attributes first, so nothing moves for an object that is gone
	obj, err := e.source.Properties(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return e.sourceMissing(ctx, j, name)
	}
	if err != nil {
		e.fail(j, models.TransferError("fetch attributes", err))
		return nil
	}
	j.outcome.Size = obj.Size
	j.outcome.BlobType = obj.Type
	e.tracker.AddBytes(obj.Size)

	// a destination copy is settled before anything is downloaded
	if !e.cfg.OverwriteIfExists {
		skip, err := e.checkDestination(ctx, name, obj)
		if err != nil {
			e.fail(j, err)
			return nil
		}
		if skip {
			j.outcome.UploadSkipped = true
			e.printf("\n\n%d/%s:\n", idx, e.totalLabel())
			e.warn(j, fmt.Sprintf("%s: %v, download and upload skipped", e.dest.ObjectURL(name), models.ErrDestinationExists))
			return e.finish(ctx, j, name)
		}
	}

	e.report(fmt.Sprintf("\n\n%d/%s:\n Downloading %s (%s - %s) from %s",
		idx, e.totalLabel(), name, progress.HumanSize(obj.Size), obj.Type, j.sourceURL))

	if j.localPath, err = StagingPath(e.staging, name); err != nil {
		e.fail(j, models.TransferError("stage object", err))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.localPath), 0o755); err != nil {
		e.fail(j, models.TransferError("stage object", err))
		return nil
	}

	// Downloading
	j.enter(models.StateDownloading)
	if fatal, err := e.download(ctx, j, name); err != nil {
		e.fail(j, err)
		e.cleanupLocal(j)
		return fatal
	}

	// Uploading
	j.enter(models.StateUploading)
	if fatal, err := e.upload(ctx, j, name); err != nil {
		e.fail(j, err)
		e.cleanupLocal(j)
		return fatal
	}
	return e.finish(ctx, j, name)
}

// finish runs the delete policy and local cleanup of an object that is in the destination
func (e *Engine) finish(ctx context.Context, j *job, name string) error {
	if e.cfg.DeleteFromSource {
		e.deleteCheck(ctx, j, name)
	}

	if e.cfg.DeleteFromLocalTemp && j.localPath != "" {
		j.enter(models.StateLocalCleanup)
		e.cleanupLocal(j)
	}

	j.enter(models.StateDone)
	j.outcome.Status = models.OutcomeCompleted
	e.printf("%s\n", separatorLine)
	return nil
}

// checkDestination reports whether the destination already holds the object.
// A copy of a different size is a conflict that overwrite alone may resolve.
func (e *Engine) checkDestination(ctx context.Context, name string, obj storage.Object) (bool, error) {
	existing, err := e.dest.Properties(ctx, name)
	switch {
	case err == nil && existing.Size == obj.Size:
		return true, nil
	case err == nil:
		return false, models.TransferError("upload",
			fmt.Errorf("%w: %s holds %d bytes, source has %d", models.ErrDestinationExists, e.dest.ObjectURL(name), existing.Size, obj.Size))
	case !errors.Is(err, storage.ErrNotFound):
		// the copy tool still refuses to overwrite, so proceed
		e.logger.Warn("destination lookup failed", "object", name, "error", err)
	}
	return false, nil
}

// sourceMissing treats a vanished source that the destination already holds
// as a redelivery of a finished job.
func (e *Engine) sourceMissing(ctx context.Context, j *job, name string) error {
	exists, err := e.dest.Exists(ctx, name)
	if err == nil && exists {
		j.enter(models.StateDone)
		j.outcome.Status = models.OutcomeSkipped
		e.report(fmt.Sprintf("%s is no longer in the source and is already in the destination, nothing to do", j.sourceURL))
		return nil
	}
	e.fail(j, models.TransferError("fetch attributes", fmt.Errorf("%w: %s", models.ErrObjectNotFound, name)))
	return nil
}

func (e *Engine) download(ctx context.Context, j *job, name string) (fatal error, err error) {
	signed, err := e.sourceGrant.Sign(ctx, name)
	if err != nil {
		return nil, models.TransferError("sign source url", err)
	}

	result, err := e.runner.Run(ctx, copytool.DownloadArgs(signed, j.localPath))
	e.recordCopy("download", result, err)
	if err != nil {
		return e.toolFailure("download", result, err)
	}
	e.appendLog(fmt.Sprintf("Downloaded %s", j.sourceURL))
	return nil, nil
}

func (e *Engine) upload(ctx context.Context, j *job, name string) (fatal error, err error) {
	destURL := e.dest.ObjectURL(name)

	message := fmt.Sprintf("Uploading %s block blob to %s...", e.tier, destURL)
	e.printf("%s\n", message)
	e.appendLog(message)

	signed, err := e.destGrant.Sign(ctx, name)
	if err != nil {
		return nil, models.TransferError("sign destination url", err)
	}
	result, err := e.runner.Run(ctx, copytool.UploadArgs(j.localPath, signed, e.tier, e.cfg.OverwriteIfExists))
	e.recordCopy("upload", result, err)
	if err != nil {
		return e.toolFailure("upload", result, err)
	}
	if !e.cfg.OverwriteIfExists && result.Skipped() {
		j.outcome.UploadSkipped = true
		e.warn(j, fmt.Sprintf("%s: %v, upload skipped by the copy tool", destURL, models.ErrDestinationExists))
	}

	stats := e.tracker.Stats()
	e.appendLog(fmt.Sprintf("Uploaded %s. Total processed: %dmb", destURL, stats.Bytes/(1024*1024)))
	return nil, nil
}

// deleteCheck removes the source only when policy allows it. With safe delete
// the destination is looked up again after the upload; any doubt keeps the source.
func (e *Engine) deleteCheck(ctx context.Context, j *job, name string) {
	j.enter(models.StateDeleteCheck)

	eligible := !e.cfg.SafeDeleteFromSource
	if e.cfg.SafeDeleteFromSource {
		exists, err := e.dest.Exists(ctx, name)
		if err != nil {
			e.logger.Warn("destination existence check failed", "object", name, "error", err)
		}
		eligible = err == nil && exists
	}

	if !eligible {
		j.enter(models.StateSourceKept)
		e.metrics.Deletion("kept")
		e.warn(j, fmt.Sprintf("%s will not be deleted from source, because it is not yet confirmed in the destination", j.sourceURL))
		return
	}

	e.report(fmt.Sprintf("%s will be deleted from source", j.sourceURL))
	if err := e.source.Delete(ctx, name); err != nil {
		derr := models.DeletionError("delete source", err)
		j.enter(models.StateSourceKept)
		e.metrics.Deletion("failed")
		e.logger.Error("source delete failed", "object", name, "error", err)
		e.warn(j, derr.Error())
		return
	}
	j.enter(models.StateSourceDeleted)
	j.outcome.SourceDeleted = true
	e.metrics.Deletion("deleted")
}

// cleanupLocal removes the staged file and any folders it leaves empty
func (e *Engine) cleanupLocal(j *job) {
	if !e.cfg.DeleteFromLocalTemp || j.localPath == "" {
		return
	}
	if err := os.Remove(j.localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("local cleanup failed", "path", j.localPath, "error", err)
		j.outcome.Warnings = append(j.outcome.Warnings, fmt.Sprintf("local cleanup failed: %v", err))
		return
	}
	root := filepath.Clean(e.staging)
	for dir := filepath.Dir(j.localPath); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
}

// toolFailure classifies a copy tool error; a missing tool stops the run
func (e *Engine) toolFailure(direction string, result *copytool.Result, err error) (fatal error, jobErr error) {
	if result != nil {
		if summary := result.Summary(); summary != "" {
			e.printf("%s\n", summary)
		}
		e.logger.Warn("copy tool failed", "direction", direction,
			"args", strings.Join(copytool.Redact(result.Args), " "), "exit_code", result.ExitCode)
	}
	if errors.Is(err, models.ErrCopyToolNotFound) {
		cerr := models.ConfigurationError(direction, err)
		return cerr, cerr
	}
	return nil, models.TransferError(direction, err)
}

func (e *Engine) recordCopy(direction string, result *copytool.Result, err error) {
	var d time.Duration
	if result != nil {
		d = result.Duration
		if err == nil {
			if summary := result.Summary(); summary != "" {
				e.printf("%s\n", summary)
			}
		}
	}
	e.metrics.CopyFinished(direction, d, err)
}

func (e *Engine) fail(j *job, err error) {
	j.enter(models.StateFailed)
	j.outcome.Status = models.OutcomeFailed
	j.outcome.Err = err
	e.logger.Error("transfer failed", "object", j.outcome.ObjectName, "url", j.outcome.Job.ObjectURL, "error", err)
	e.report(fmt.Sprintf("Error processing %s: %v", j.outcome.Job.ObjectURL, err))
}

func (e *Engine) warn(j *job, message string) {
	j.outcome.Warnings = append(j.outcome.Warnings, message)
	console.Warning(e.out, "%s", message)
	e.appendLog(message)
}

// report writes a console line and mirrors it to the log sink
func (e *Engine) report(message string) {
	e.printf("%s\n", message)
	e.appendLog(message)
}

func (e *Engine) appendLog(message string) {
	if err := e.sink.Append(strings.TrimLeft(message, "\n")); err != nil {
		e.logger.Warn("log sink append failed", "error", err)
	}
}

func (e *Engine) printf(format string, args ...any) {
	fmt.Fprintf(e.out, format, args...)
}

func (e *Engine) totalLabel() string {
	if total := e.tracker.Total(); total > 0 {
		return fmt.Sprint(total)
	}
	return "?"
}

// Run transfers jobs in order, printing the start banner and the closing summary.
// It stops early only on a fatal error or context cancellation.
func (e *Engine) Run(ctx context.Context, jobs []models.Job) ([]models.TransferOutcome, error) {
	e.tracker.SetTotal(len(jobs))
	rule := strings.Repeat("=", 107)
	e.printf("\n\n\n%s\nStarting the process of %d blobs from %s/%s\n%s\n",
		rule, len(jobs), strings.TrimSuffix(e.source.ObjectURL(""), "/"), e.cfg.SrcPattern, rule)
	e.appendLog("Process started.")

	outcomes := make([]models.TransferOutcome, 0, len(jobs))
	for _, jb := range jobs {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcome, err := e.Transfer(ctx, jb)
		outcomes = append(outcomes, outcome)
		if err != nil {
			return outcomes, err
		}
	}

	message := fmt.Sprintf("\n\nProcessed finished.\n%s", e.tracker.Summary())
	e.report(message)
	return outcomes, nil
}
