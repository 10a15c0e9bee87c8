package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flowmint/flowmint/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Patterns []models.Pattern `json:"patterns"`
	Stats    models.UserStats `json:"stats"`
	Credited []string         `json:"credited"` // ids whose deployment has been counted
}

// MemoryStore implements PatternStore with in-memory maps and optional
// file-based snapshot persistence so data survives restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]*models.Pattern
	order    []string // insertion order
	stats    models.UserStats
	credited map[string]bool

	obsMu     sync.RWMutex
	observers []func(models.Pattern)

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	loopDone     chan struct{} // closed when saveLoop returns
	debounce     time.Duration
}

// NewMemoryStore creates a store. If snapshotPath is non-empty the cache is
// loaded from that file and saved back to it in the background after changes.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		patterns:     make(map[string]*models.Pattern),
		credited:     make(map[string]bool),
		snapshotPath: snapshotPath,
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		loopDone:     make(chan struct{}),
		debounce:     500 * time.Millisecond,
	}

	if m.snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(m.snapshotPath), 0o755); err != nil {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}
	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Pattern store configured")
	return m
}

// ── Persistence ─────────────────────────────────────────────

// requestSave signals the background goroutine to persist data.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests.
func (m *MemoryStore) saveLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(m.debounce):
				m.saveSnapshot()
			case <-m.doneCh:
				return
			}
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Patterns: m.listLocked(),
		Stats:    m.stats,
		Credited: make([]string, 0, len(m.credited)),
	}
	for id := range m.credited {
		snap.Credited = append(snap.Credited, id)
	}
	m.mu.RUnlock()
	sort.Strings(snap.Credited)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range snap.Patterns {
		if p.ID == "" {
			continue
		}
		if _, ok := m.patterns[p.ID]; !ok {
			m.order = append(m.order, p.ID)
		}
		cp := p.Clone()
		m.patterns[p.ID] = &cp
	}
	m.stats = snap.Stats
	for _, id := range snap.Credited {
		m.credited[id] = true
	}
	log.Info().
		Int("patterns", len(m.patterns)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

// Close stops the background saver and forces a final snapshot write.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	if m.snapshotPath != "" {
		<-m.loopDone
		m.saveSnapshot()
	}
	log.Info().Msg("Pattern store closed")
	return nil
}

// ── Observers ───────────────────────────────────────────────

func (m *MemoryStore) OnChange(fn func(models.Pattern)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// notify must be called without m.mu held.
func (m *MemoryStore) notify(changed []models.Pattern) {
	if len(changed) == 0 {
		return
	}
	m.requestSave()
	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()
	for _, p := range changed {
		for _, fn := range observers {
			fn(p.Clone())
		}
	}
}

// ── Patterns ────────────────────────────────────────────────

func (m *MemoryStore) Add(_ context.Context, p models.Pattern) (*models.Pattern, error) {
	if p.Status == "" {
		p.Status = models.StatusDetected
	}
	if !p.Status.Valid() {
		return nil, fmt.Errorf("add pattern %s: unknown status %q", p.ID, p.Status)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}

	m.mu.Lock()
	if _, ok := m.patterns[p.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, p.ID)
	}
	m.insertLocked(p)
	out := p.Clone()
	m.mu.Unlock()

	m.notify([]models.Pattern{out})
	return &out, nil
}

// insertLocked caches p and counts it as detected.
func (m *MemoryStore) insertLocked(p models.Pattern) {
	cp := p.Clone()
	m.patterns[p.ID] = &cp
	m.order = append(m.order, p.ID)
	m.stats.PatternsDetected++
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "pattern", Key: id}
	}
	out := p.Clone()
	return &out, nil
}

func (m *MemoryStore) List(_ context.Context) []models.Pattern {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked()
}

func (m *MemoryStore) listLocked() []models.Pattern {
	out := make([]models.Pattern, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.patterns[id].Clone())
	}
	return out
}

func (m *MemoryStore) Transition(_ context.Context, id string, status models.AgentStatus, opts ...TransitionOption) (*models.Pattern, error) {
	var t transition
	for _, opt := range opts {
		opt(&t)
	}

	m.mu.Lock()
	p, ok := m.patterns[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "pattern", Key: id}
	}
	if !p.Status.CanTransitionTo(status) {
		from := p.Status
		m.mu.Unlock()
		return nil, &ErrIllegalTransition{ID: id, From: from, To: status}
	}
	m.applyLocked(p, status, t)
	out := p.Clone()
	m.mu.Unlock()

	log.Debug().Str("pattern", id).Str("status", string(status)).Msg("Pattern transitioned")
	m.notify([]models.Pattern{out})
	return &out, nil
}

func (m *MemoryStore) BeginGeneration(_ context.Context, id string) (*models.Pattern, error) {
	return m.begin(id, models.StatusDetected, models.StatusGenerating)
}

func (m *MemoryStore) BeginMinting(_ context.Context, id string) (*models.Pattern, error) {
	return m.begin(id, models.StatusReadyToMint, models.StatusMinting)
}

// begin claims a pattern for an in-flight request by moving it from one
// status to the next. A pattern already in the target status is busy.
func (m *MemoryStore) begin(id string, from, to models.AgentStatus) (*models.Pattern, error) {
	m.mu.Lock()
	p, ok := m.patterns[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "pattern", Key: id}
	}
	switch p.Status {
	case to:
		m.mu.Unlock()
		return nil, fmt.Errorf("pattern %s: %w", id, ErrBusy)
	case from:
	default:
		cur := p.Status
		m.mu.Unlock()
		return nil, &ErrIllegalTransition{ID: id, From: cur, To: to}
	}
	m.applyLocked(p, to, transition{})
	out := p.Clone()
	m.mu.Unlock()

	m.notify([]models.Pattern{out})
	return &out, nil
}

// applyLocked writes a status change and credits the first deployment of
// an id. Edge validation is the caller's job.
func (m *MemoryStore) applyLocked(p *models.Pattern, status models.AgentStatus, t transition) {
	p.Status = status
	if t.code != nil {
		p.Code = *t.code
	}
	if t.txHash != nil {
		p.TxHash = *t.txHash
	}
	if status == models.StatusDeployed && !m.credited[p.ID] {
		m.credited[p.ID] = true
		m.stats.AgentsDeployed++
		m.stats.ADAEarned += models.DeploymentCreditADA
		m.stats.TimeSavedHours += float64(p.TimeSaved) / 60
	}
}

func (m *MemoryStore) Merge(_ context.Context, remote []models.Pattern, fn MergeFunc) error {
	m.mu.Lock()
	merged := fn(m.listLocked(), remote)
	for i := range merged {
		if merged[i].Status == "" {
			merged[i].Status = models.StatusDetected
		}
		if !merged[i].Status.Valid() {
			m.mu.Unlock()
			return fmt.Errorf("merge pattern %s: unknown status %q", merged[i].ID, merged[i].Status)
		}
	}

	var changed []models.Pattern
	for _, next := range merged {
		if next.ID == "" {
			continue
		}
		cur, ok := m.patterns[next.ID]
		if !ok {
			m.insertLocked(next)
			changed = append(changed, next.Clone())
			continue
		}
		if cur.Status == next.Status && cur.Code == next.Code && cur.TxHash == next.TxHash {
			continue
		}
		// Remote-authoritative adoption bypasses edge validation.
		m.applyLocked(cur, next.Status, transition{code: &next.Code, txHash: &next.TxHash})
		changed = append(changed, cur.Clone())
	}
	m.mu.Unlock()

	m.notify(changed)
	return nil
}

// ── Stats ───────────────────────────────────────────────────

func (m *MemoryStore) Stats(_ context.Context) models.UserStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *MemoryStore) RecordCaptured(_ context.Context, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.stats.ActionsCaptured += int64(n)
	m.mu.Unlock()
	m.requestSave()
}

func (m *MemoryStore) Seed(_ context.Context, patterns []models.Pattern, stats models.UserStats) {
	m.mu.Lock()
	m.patterns = make(map[string]*models.Pattern, len(patterns))
	m.order = m.order[:0]
	m.credited = make(map[string]bool)
	var changed []models.Pattern
	for _, p := range patterns {
		if p.ID == "" {
			continue
		}
		if p.Status == "" {
			p.Status = models.StatusDetected
		}
		if _, dup := m.patterns[p.ID]; !dup {
			m.order = append(m.order, p.ID)
		}
		cp := p.Clone()
		m.patterns[p.ID] = &cp
		if p.Status == models.StatusDeployed {
			m.credited[p.ID] = true
		}
		changed = append(changed, p.Clone())
	}
	m.stats = stats
	m.mu.Unlock()

	log.Info().Int("patterns", len(changed)).Msg("Pattern store seeded")
	m.notify(changed)
}
