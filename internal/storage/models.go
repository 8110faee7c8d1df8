package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with a concurrent writer.
// Callers retry once and then surface the error.
var ErrConflict = errors.New("storage conflict")

// DateLayout is the wire and storage format for purchase/expiration dates.
const DateLayout = "2006-01-02"

// Workflow run statuses, in pipeline order. COMPLETED, DEGRADED and FAILED
// are terminal.
const (
	RunReceived     = "RECEIVED"
	RunInterpreting = "INTERPRETING"
	RunEstimating   = "ESTIMATING"
	RunTracking     = "TRACKING"
	RunRecommending = "RECOMMENDING"
	RunCompleted    = "COMPLETED"
	RunDegraded     = "DEGRADED"
	RunFailed       = "FAILED"
)

// Step result statuses.
const (
	StepSuccess = "SUCCESS"
	StepFailed  = "FAILED"
)

// Grocery item freshness statuses.
const (
	ItemFresh        = "FRESH"
	ItemExpiringSoon = "EXPIRING_SOON"
	ItemExpired      = "EXPIRED"
)

// expiringSoonWindow is how close to expiration an item must be to count
// as EXPIRING_SOON.
const expiringSoonWindow = 3 * 24 * time.Hour

type GroceryItem struct {
	ItemID         string
	Name           string
	Quantity       float64
	PurchaseDate   time.Time
	ExpirationDate *time.Time // nil when unknown; never before PurchaseDate
	Status         string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type WorkflowRun struct {
	RunID      string
	Status     string
	CreatedAt  time.Time
	Deadline   time.Time
	FinishedAt *time.Time
	Steps      []StepResult
}

// Terminal reports whether the run can no longer advance.
func (r WorkflowRun) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunDegraded, RunFailed:
		return true
	}
	return false
}

// StepResult records one step's outcome for a run. Keyed by (RunID, Step)
// so a retried step overwrites its previous row instead of duplicating it.
type StepResult struct {
	RunID      string
	Step       string
	Seq        int
	Attempts   int
	Status     string
	Output     string // opaque JSON payload
	ErrorKind  string // present iff Status == FAILED
	RecordedAt time.Time
}

// ItemID derives a stable identity from the item's signature, so the same
// receipt line always maps to the same inventory record.
func ItemID(name string, purchaseDate time.Time) string {
	sum := sha256.Sum256([]byte(name + "|" + purchaseDate.Format(DateLayout)))
	return hex.EncodeToString(sum[:8])
}

// ItemStatus derives the freshness status from the expiration date.
func ItemStatus(expiration *time.Time, now time.Time) string {
	if expiration == nil {
		return ItemFresh
	}
	switch {
	case expiration.Before(now):
		return ItemExpired
	case expiration.Sub(now) <= expiringSoonWindow:
		return ItemExpiringSoon
	default:
		return ItemFresh
	}
}
