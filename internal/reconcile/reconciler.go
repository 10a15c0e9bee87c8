package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/flowmint/flowmint/internal/activity"
	"github.com/flowmint/flowmint/internal/store"
	"github.com/flowmint/flowmint/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is how often the periodic loop reconciles.
const DefaultInterval = 30 * time.Second

// Fetcher returns the remote pattern collection.
type Fetcher interface {
	FetchPatterns(ctx context.Context) ([]models.Pattern, error)
}

// Reconciler pulls the remote pattern set and merges it into the store,
// on demand through Run and periodically between Start and Stop.
type Reconciler struct {
	fetcher  Fetcher
	store    store.PatternStore
	logs     activity.Logger
	interval time.Duration
	stopCh   chan struct{}
	mu       sync.Mutex
	running  bool

	// OnReconciled fires after every pass that changed the store.
	OnReconciled func(Result)
}

// New creates a reconciler. logs may be nil.
func New(f Fetcher, s store.PatternStore, logs activity.Logger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		fetcher:  f,
		store:    s,
		logs:     logs,
		interval: interval,
	}
}

// Run performs one reconciliation pass. Fetch failures are logged and
// swallowed: the pass changes nothing and the next one retries.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	remote, err := r.fetcher.FetchPatterns(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("reconcile: fetch failed, skipping cycle")
		return Result{}, nil
	}

	var res Result
	err = r.store.Merge(ctx, remote, func(local, remote []models.Pattern) []models.Pattern {
		res = Merge(local, remote)
		return res.Patterns
	})
	if err != nil {
		return Result{}, err
	}

	if len(res.Added) > 0 && r.logs != nil {
		r.logs.Add(res.Summary(), models.LogSuccess)
	}
	if res.Changed() {
		log.Info().
			Int("remote", len(remote)).
			Strs("added", res.Added).
			Strs("adopted", res.Adopted).
			Msg("Patterns reconciled")
		if r.OnReconciled != nil {
			r.OnReconciled(res)
		}
	}
	return res, nil
}

// Start begins the periodic loop. The first pass runs immediately.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	stopCh := make(chan struct{})
	r.stopCh = stopCh
	r.mu.Unlock()

	log.Info().Dur("interval", r.interval).Msg("Reconciler started")

	go r.loop(ctx, stopCh)
}

// Stop shuts down the periodic loop.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
	log.Info().Msg("Reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runLogged(ctx)

	for {
		select {
		case <-ticker.C:
			r.runLogged(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	if _, err := r.Run(ctx); err != nil {
		log.Warn().Err(err).Msg("reconcile: merge failed")
	}
}
