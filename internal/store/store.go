// Package store holds the process-wide pattern cache and the user's
// aggregate stats. Transition is the only sanctioned mutator of a
// pattern's status; every lifecycle driver routes through it.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmint/flowmint/pkg/models"
)

// PatternStore is the storage interface the rest of the service depends on.
type PatternStore interface {
	// Add inserts a new pattern. An empty status becomes DETECTED and an
	// empty id is generated.
	Add(ctx context.Context, p models.Pattern) (*models.Pattern, error)
	Get(ctx context.Context, id string) (*models.Pattern, error)
	// List returns every pattern in insertion order.
	List(ctx context.Context) []models.Pattern

	// Transition validates the edge, replaces the status and applies any
	// options. The first entry into DEPLOYED for an id credits stats.
	Transition(ctx context.Context, id string, status models.AgentStatus, opts ...TransitionOption) (*models.Pattern, error)
	// BeginGeneration atomically moves DETECTED to GENERATING. A pattern
	// already generating yields ErrBusy.
	BeginGeneration(ctx context.Context, id string) (*models.Pattern, error)
	// BeginMinting atomically moves READY_TO_MINT to MINTING. A pattern
	// already minting yields ErrBusy.
	BeginMinting(ctx context.Context, id string) (*models.Pattern, error)
	// Merge runs fn against a point-in-time copy of the cache under the
	// write lock and installs its result in one pass.
	Merge(ctx context.Context, remote []models.Pattern, fn MergeFunc) error

	Stats(ctx context.Context) models.UserStats
	RecordCaptured(ctx context.Context, n int)
	// Seed replaces every pattern and the stats.
	Seed(ctx context.Context, patterns []models.Pattern, stats models.UserStats)

	// OnChange registers fn to observe every pattern insert or update.
	OnChange(fn func(models.Pattern))

	Close() error
}

// MergeFunc computes the desired pattern set from the local cache and a
// remote snapshot. Local patterns absent from the result are kept.
type MergeFunc func(local, remote []models.Pattern) []models.Pattern

// ── Transition options ──────────────────────────────────────

type transition struct {
	code   *string
	txHash *string
}

// TransitionOption sets an optional field alongside a status change.
type TransitionOption func(*transition)

// WithCode stores generated automation code on the pattern.
func WithCode(code string) TransitionOption {
	return func(t *transition) { t.code = &code }
}

// WithTxHash stores the deployment transaction reference on the pattern.
func WithTxHash(hash string) TransitionOption {
	return func(t *transition) { t.txHash = &hash }
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrIllegalTransition is returned when a status change is not a lifecycle edge.
type ErrIllegalTransition struct {
	ID   string
	From models.AgentStatus
	To   models.AgentStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("pattern %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

var (
	// ErrBusy means a generation or deployment request is already in
	// flight for the pattern.
	ErrBusy = errors.New("request already in progress")
	// ErrExists means Add was given an id that is already cached.
	ErrExists = errors.New("pattern already exists")
)
