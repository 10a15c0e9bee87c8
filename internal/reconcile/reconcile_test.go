package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowmint/flowmint/internal/activity"
	"github.com/flowmint/flowmint/internal/store"
	"github.com/flowmint/flowmint/pkg/models"
)

func pattern(id string, status models.AgentStatus) models.Pattern {
	return models.Pattern{ID: id, Name: "pattern " + id, Status: status}
}

func statusOf(ps []models.Pattern, id string) models.AgentStatus {
	for _, p := range ps {
		if p.ID == id {
			return p.Status
		}
	}
	return ""
}

// ─── Merge ───────────────────────────────────────────────────

func TestMerge_InsertsUnknown(t *testing.T) {
	local := []models.Pattern{pattern("p1", models.StatusDetected)}
	remote := []models.Pattern{pattern("p1", models.StatusDetected), pattern("p2", models.StatusDetected)}

	res := Merge(local, remote)

	if len(res.Patterns) != 2 || res.Patterns[1].ID != "p2" {
		t.Fatalf("Patterns = %+v, want [p1 p2]", res.Patterns)
	}
	if len(res.Added) != 1 || res.Added[0] != "p2" {
		t.Errorf("Added = %v, want [p2]", res.Added)
	}
	if got := res.Summary(); got != "Analysis complete. Found 1 new patterns." {
		t.Errorf("Summary() = %q", got)
	}
}

func TestMerge_AdoptsProgressedRemote(t *testing.T) {
	local := []models.Pattern{pattern("p3", models.StatusReadyToMint)}
	remote := []models.Pattern{{ID: "p3", Status: models.StatusDeployed, TxHash: "abc123"}}

	res := Merge(local, remote)

	p := res.Patterns[0]
	if p.Status != models.StatusDeployed || p.TxHash != "abc123" {
		t.Errorf("p3 = %+v, want DEPLOYED abc123", p)
	}
	if len(res.Adopted) != 1 {
		t.Errorf("Adopted = %v, want [p3]", res.Adopted)
	}
	if p.Name != "pattern p3" {
		t.Errorf("local fields lost: Name = %q", p.Name)
	}
}

func TestMerge_RemoteDetectedNeverRegresses(t *testing.T) {
	for _, st := range []models.AgentStatus{
		models.StatusGenerating, models.StatusReadyToMint, models.StatusMinting, models.StatusDeployed,
	} {
		local := []models.Pattern{pattern("p1", st)}
		res := Merge(local, []models.Pattern{pattern("p1", models.StatusDetected)})
		if got := statusOf(res.Patterns, "p1"); got != st {
			t.Errorf("local %s became %s after remote DETECTED", st, got)
		}
		if res.Changed() {
			t.Errorf("local %s: Changed() = true", st)
		}
	}
}

func TestMerge_KeepsLocalOnlyPatterns(t *testing.T) {
	local := []models.Pattern{pattern("local", models.StatusGenerating)}
	res := Merge(local, nil)
	if len(res.Patterns) != 1 || res.Patterns[0].ID != "local" {
		t.Errorf("Patterns = %+v, want local kept", res.Patterns)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	local := []models.Pattern{pattern("p1", models.StatusDetected), pattern("p2", models.StatusReadyToMint)}
	remote := []models.Pattern{
		pattern("p1", models.StatusReadyToMint),
		pattern("p2", models.StatusDetected),
		pattern("p3", models.StatusDetected),
	}

	first := Merge(local, remote)
	second := Merge(first.Patterns, remote)

	if second.Changed() {
		t.Errorf("second merge changed: added %v adopted %v", second.Added, second.Adopted)
	}
	if len(second.Patterns) != len(first.Patterns) {
		t.Fatalf("second merge len = %d, want %d", len(second.Patterns), len(first.Patterns))
	}
	for i := range first.Patterns {
		if first.Patterns[i].ID != second.Patterns[i].ID || first.Patterns[i].Status != second.Patterns[i].Status {
			t.Errorf("pattern %d differs: %+v vs %+v", i, first.Patterns[i], second.Patterns[i])
		}
	}
}

func TestMerge_DuplicateRemoteIDsFirstWins(t *testing.T) {
	remote := []models.Pattern{
		pattern("p9", models.StatusReadyToMint),
		pattern("p9", models.StatusDeployed),
	}
	res := Merge(nil, remote)
	if len(res.Patterns) != 1 || res.Patterns[0].Status != models.StatusReadyToMint {
		t.Errorf("Patterns = %+v, want single READY_TO_MINT p9", res.Patterns)
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	local := []models.Pattern{pattern("p1", models.StatusDetected)}
	remote := []models.Pattern{pattern("p1", models.StatusDeployed)}
	Merge(local, remote)
	if local[0].Status != models.StatusDetected {
		t.Errorf("local input mutated: %s", local[0].Status)
	}
}

// ─── Reconciler ──────────────────────────────────────────────

type fakeFetcher struct {
	mu       sync.Mutex
	patterns []models.Pattern
	err      error
	calls    int
}

func (f *fakeFetcher) FetchPatterns(context.Context) ([]models.Pattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Pattern, len(f.patterns))
	copy(out, f.patterns)
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newStore(t *testing.T, patterns ...models.Pattern) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	s.Seed(context.Background(), patterns, models.UserStats{})
	return s
}

func TestRun_NewPatternLogsOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, pattern("p1", models.StatusDetected))
	logs := activity.NewSink(0)
	f := &fakeFetcher{patterns: []models.Pattern{pattern("p1", models.StatusDetected), pattern("p2", models.StatusDetected)}}
	r := New(f, s, logs, time.Hour)

	res, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Added) != 1 {
		t.Errorf("Added = %v, want [p2]", res.Added)
	}
	if _, err := s.Get(ctx, "p2"); err != nil {
		t.Errorf("p2 not in store: %v", err)
	}

	entries := logs.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Type != models.LogSuccess || entries[0].Message != "Analysis complete. Found 1 new patterns." {
		t.Errorf("log entry = %+v", entries[0])
	}

	// Second pass on the same snapshot changes nothing and logs nothing.
	res, _ = r.Run(ctx)
	if res.Changed() || logs.Len() != 1 {
		t.Errorf("second Run() changed = %v, logs = %d", res.Changed(), logs.Len())
	}
}

func TestRun_FetchErrorSwallowed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, pattern("p1", models.StatusGenerating))
	logs := activity.NewSink(0)
	r := New(&fakeFetcher{err: errors.New("connection refused")}, s, logs, time.Hour)

	res, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if res.Changed() {
		t.Error("Run() reported changes after a fetch failure")
	}
	if p, _ := s.Get(ctx, "p1"); p.Status != models.StatusGenerating {
		t.Errorf("p1 = %s, want GENERATING untouched", p.Status)
	}
	if logs.Len() != 0 {
		t.Errorf("log entries = %d, want 0", logs.Len())
	}
}

func TestRun_AdoptedDeploymentCreditsOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, models.Pattern{ID: "p3", Status: models.StatusReadyToMint, TimeSaved: 180})
	f := &fakeFetcher{patterns: []models.Pattern{{ID: "p3", Status: models.StatusDeployed, TxHash: "abc123"}}}
	r := New(f, s, nil, time.Hour)

	var notified []Result
	r.OnReconciled = func(res Result) { notified = append(notified, res) }

	r.Run(ctx)
	r.Run(ctx)

	p, _ := s.Get(ctx, "p3")
	if p.Status != models.StatusDeployed || p.TxHash != "abc123" {
		t.Errorf("p3 = %+v, want DEPLOYED abc123", p)
	}
	st := s.Stats(ctx)
	if st.AgentsDeployed != 1 || st.ADAEarned != models.DeploymentCreditADA {
		t.Errorf("Stats() = %+v, want one deployment credited", st)
	}
	if len(notified) != 1 {
		t.Errorf("OnReconciled fired %d times, want 1", len(notified))
	}
}

func TestRun_ConcurrentPassesSerialize(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := &fakeFetcher{patterns: []models.Pattern{pattern("a", models.StatusDetected), pattern("b", models.StatusDetected)}}
	r := New(f, s, nil, time.Hour)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := r.Run(ctx)
			mu.Lock()
			added += len(res.Added)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if added != 2 {
		t.Errorf("total added across passes = %d, want 2", added)
	}
	if n := len(s.List(ctx)); n != 2 {
		t.Errorf("store has %d patterns, want 2", n)
	}
}

func TestStartRunsImmediately(t *testing.T) {
	s := newStore(t)
	f := &fakeFetcher{}
	r := New(f, s, nil, time.Hour)

	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for f.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.callCount() == 0 {
		t.Error("Start() did not run an initial pass")
	}
}

func TestRestartKeepsTicking(t *testing.T) {
	s := newStore(t)
	f := &fakeFetcher{}
	r := New(f, s, nil, 10*time.Millisecond)

	waitCalls := func(n int) bool {
		deadline := time.Now().Add(2 * time.Second)
		for f.callCount() < n && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		return f.callCount() >= n
	}

	r.Start(context.Background())
	if !waitCalls(1) {
		t.Fatal("first Start() ran no pass")
	}
	r.Stop()

	before := f.callCount()
	r.Start(context.Background())
	defer r.Stop()
	if !waitCalls(before + 3) {
		t.Errorf("after restart calls = %d, want at least %d (loop exited early)", f.callCount(), before+3)
	}
}
