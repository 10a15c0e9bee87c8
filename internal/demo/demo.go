// Package demo seeds sample data and plays the scripted CRM workflow
// through the recorder so the whole pipeline can be exercised without a
// host application.
package demo

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/flowmint/flowmint/internal/activity"
	"github.com/flowmint/flowmint/internal/recorder"
	"github.com/flowmint/flowmint/internal/store"
	"github.com/flowmint/flowmint/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrRunning is returned when a simulation is already in progress.
var ErrRunning = errors.New("simulation already running")

const (
	DefaultPace   = 600 * time.Millisecond
	DefaultSettle = 2 * time.Second
)

// Simulator records the demo workflow and then asks for a reconciliation
// so newly detected patterns show up.
type Simulator struct {
	rec       *recorder.Recorder
	logs      activity.Logger
	reconcile func(ctx context.Context)

	// Pace separates steps; Settle is the wait before reconciling so the
	// forwarder can deliver and the remote side can analyse.
	Pace   time.Duration
	Settle time.Duration

	running atomic.Bool
}

// NewSimulator creates a simulator. reconcile may be nil.
func NewSimulator(rec *recorder.Recorder, logs activity.Logger, reconcile func(ctx context.Context)) *Simulator {
	return &Simulator{
		rec:       rec,
		logs:      logs,
		reconcile: reconcile,
		Pace:      DefaultPace,
		Settle:    DefaultSettle,
	}
}

// Running reports whether a simulation is in progress.
func (s *Simulator) Running() bool { return s.running.Load() }

// Run plays the demo workflow to completion. Only one run may be active.
func (s *Simulator) Run(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrRunning
	}
	defer s.running.Store(false)
	return s.play(ctx)
}

// play runs one simulation. The caller holds the running claim.
func (s *Simulator) play(ctx context.Context) (int, error) {
	s.logs.Add("Starting workflow simulation...", models.LogInfo)
	played := s.rec.Play(ctx, recorder.DemoWorkflow, recorder.DemoURL, s.Pace, func(step recorder.Step, a models.Action) {
		s.logs.Add("Action: "+step.Description, models.LogAction)
	})
	if played < len(recorder.DemoWorkflow) {
		s.logs.Add("Simulation error. Check console.", models.LogInfo)
		log.Warn().Int("played", played).Int("steps", len(recorder.DemoWorkflow)).Msg("Simulation interrupted")
		if err := ctx.Err(); err != nil {
			return played, err
		}
		return played, errors.New("simulation recorded fewer steps than scripted")
	}

	s.logs.Add("Simulation complete. Sending data for analysis...", models.LogInfo)
	if s.reconcile != nil {
		select {
		case <-ctx.Done():
			return played, ctx.Err()
		case <-time.After(s.Settle):
		}
		s.reconcile(ctx)
	}
	log.Info().Int("steps", played).Msg("Simulation finished")
	return played, nil
}

// Start runs the simulation in the background. It fails fast with
// ErrRunning if one is already in progress.
func (s *Simulator) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	go func() {
		defer s.running.Store(false)
		if _, err := s.play(ctx); err != nil {
			log.Warn().Err(err).Msg("Background simulation failed")
		}
	}()
	return nil
}

// Activate replaces the store contents with the sample patterns and stats.
func Activate(ctx context.Context, s store.PatternStore, logs activity.Logger) {
	s.Seed(ctx, store.DemoPatterns(time.Now().UnixMilli()), store.DemoStats)
	if logs != nil {
		logs.Add("Demo mode activated.", models.LogInfo)
	}
}
