package progress

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"blobmover/pkg/models"
)

const mbFactor = 1024 * 1024

// Tracker holds the counters of one run. It is diagnostic only; nothing
// decides control flow on its values.
type Tracker struct {
	total          atomic.Int64
	index          atomic.Int64
	completed      atomic.Int64
	skipped        atomic.Int64
	failed         atomic.Int64
	deleted        atomic.Int64
	bytes          atomic.Int64
	startTime      time.Time
	lastUpdateTime time.Time
	transferSpeeds []float64
	current        string
	mu             sync.RWMutex
}

// NewTracker creates a tracker for a run of total objects. Zero means unknown.
func NewTracker(total int) *Tracker {
	t := &Tracker{
		startTime:      time.Now(),
		lastUpdateTime: time.Now(),
		transferSpeeds: make([]float64, 0, 10),
	}
	t.total.Store(int64(total))
	return t
}

// SetTotal updates the expected number of objects
func (t *Tracker) SetTotal(total int) {
	t.total.Store(int64(total))
}

// Total returns the expected number of objects
func (t *Tracker) Total() int {
	return int(t.total.Load())
}

// Next advances and returns the 1-based index of the object being started
func (t *Tracker) Next() int {
	return int(t.index.Add(1))
}

// AddBytes adds to the processed byte counter
func (t *Tracker) AddBytes(n int64) {
	t.bytes.Add(n)
}

// SetCurrent records the object being processed
func (t *Tracker) SetCurrent(name string) {
	t.mu.Lock()
	t.current = name
	t.mu.Unlock()
}

// Record updates the counters with a finished job
func (t *Tracker) Record(outcome models.TransferOutcome) {
	now := time.Now()

	switch outcome.Status {
	case models.OutcomeCompleted:
		t.completed.Add(1)
	case models.OutcomeSkipped:
		t.skipped.Add(1)
	default:
		t.failed.Add(1)
	}
	if outcome.SourceDeleted {
		t.deleted.Add(1)
	}

	// Calculate transfer speed
	t.mu.Lock()
	elapsed := now.Sub(t.lastUpdateTime).Seconds()
	if elapsed > 0 && outcome.Size > 0 && outcome.Status == models.OutcomeCompleted {
		speed := float64(outcome.Size) / elapsed
		t.transferSpeeds = append(t.transferSpeeds, speed)
		if len(t.transferSpeeds) > 10 {
			t.transferSpeeds = t.transferSpeeds[1:]
		}
	}
	t.lastUpdateTime = now
	t.current = ""
	t.mu.Unlock()
}

// Stats is a snapshot of a tracker
type Stats struct {
	Total           int64   `json:"total"`
	Started         int64   `json:"started"`
	Completed       int64   `json:"completed"`
	Skipped         int64   `json:"skipped"`
	Failed          int64   `json:"failed"`
	SourceDeleted   int64   `json:"source_deleted"`
	Bytes           int64   `json:"bytes"`
	BytesHuman      string  `json:"bytes_human"`
	CurrentObject   string  `json:"current_object,omitempty"`
	ElapsedTime     string  `json:"elapsed_time"`
	TransferSpeedMB float64 `json:"transfer_speed_mb"`
}

// Processed is the number of jobs that reached a final state
func (s Stats) Processed() int64 {
	return s.Completed + s.Skipped + s.Failed
}

// Stats returns current progress statistics
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Calculate average speed
	var avgSpeed float64
	if len(t.transferSpeeds) > 0 {
		var sum float64
		for _, speed := range t.transferSpeeds {
			sum += speed
		}
		avgSpeed = sum / float64(len(t.transferSpeeds))
	}

	bytes := t.bytes.Load()
	return Stats{
		Total:           t.total.Load(),
		Started:         t.index.Load(),
		Completed:       t.completed.Load(),
		Skipped:         t.skipped.Load(),
		Failed:          t.failed.Load(),
		SourceDeleted:   t.deleted.Load(),
		Bytes:           bytes,
		BytesHuman:      humanize.IBytes(uint64(bytes)),
		CurrentObject:   t.current,
		ElapsedTime:     time.Since(t.startTime).Round(time.Second).String(),
		TransferSpeedMB: avgSpeed / mbFactor,
	}
}

// Summary returns the closing line of a run: "<n>MB moved in <m> minutes"
func (t *Tracker) Summary() string {
	minutes := time.Since(t.startTime).Minutes()
	return fmt.Sprintf("%dMB moved in %.2f minutes", t.bytes.Load()/mbFactor, minutes)
}

// Inform rewrites the current console line with "idx/total message"
func Inform(w io.Writer, idx, total int, message string) {
	fmt.Fprintf(w, "\r%d/%d %s", idx, total, message)
}

// HumanSize renders a byte count the way progress lines show it
func HumanSize(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
