// Package handlers implements the HTTP handlers for the local flowmint API:
// capture hand-off, pattern lifecycle, reconciliation, stats and the
// activity log.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/flowmint/flowmint/internal/activity"
	"github.com/flowmint/flowmint/internal/api/middleware"
	"github.com/flowmint/flowmint/internal/demo"
	"github.com/flowmint/flowmint/internal/forwarder"
	"github.com/flowmint/flowmint/internal/lifecycle"
	"github.com/flowmint/flowmint/internal/reconcile"
	"github.com/flowmint/flowmint/internal/recorder"
	"github.com/flowmint/flowmint/internal/remote"
	"github.com/flowmint/flowmint/internal/store"
	"github.com/flowmint/flowmint/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.PatternStore
	Recorder   *recorder.Recorder
	Forwarder  *forwarder.Forwarder
	Reconciler *reconcile.Reconciler
	Lifecycle  *lifecycle.Driver
	Logs       *activity.Sink
	Simulator  *demo.Simulator

	// BaseCtx outlives individual requests; background work started by a
	// handler runs under it.
	BaseCtx context.Context
}

func (h *Handlers) baseCtx() context.Context {
	if h.BaseCtx != nil {
		return h.BaseCtx
	}
	return context.Background()
}

// ══════════════════════════════════════════════════════════════
// ── Capture ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Capture accepts either a raw host event ({"kind": ...}) which is run
// through the recorder, or an already-normalized RECORD_ACTION envelope
// which goes straight to the forwarder.
func (h *Handlers) Capture(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var head struct {
		Type models.MessageType  `json:"type"`
		Kind models.RawEventKind `json:"kind"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch {
	case head.Type == models.MessageRecordAction:
		var msg models.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid RECORD_ACTION envelope")
			return
		}
		if msg.Payload.ID == "" {
			respondError(w, http.StatusBadRequest, "payload.id is required")
			return
		}
		if msg.Payload.UserID == "" {
			msg.Payload.UserID = middleware.GetUserID(r.Context())
		}
		if msg.Payload.Timestamp != 0 && !recorder.ValidTimestamp(msg.Payload.Timestamp) {
			respondError(w, http.StatusBadRequest, "payload.timestamp must be epoch milliseconds")
			return
		}
		if msg.Payload.Timestamp == 0 {
			msg.Payload.Timestamp = time.Now().UnixMilli()
		}
		msg.Payload.Target = recorder.ClampTarget(msg.Payload.Target)
		msg.Payload.Metadata = recorder.SanitizeMetadata(msg.Payload.Metadata)
		h.Forwarder.Receive(msg)
		h.Store.RecordCaptured(r.Context(), 1)
		respondJSON(w, http.StatusAccepted, msg.Payload)

	case head.Type != "":
		respondError(w, http.StatusBadRequest, "unsupported message type "+string(head.Type))

	case head.Kind != "":
		var ev models.RawEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid raw event")
			return
		}
		if ev.UserID == "" {
			ev.UserID = middleware.GetUserID(r.Context())
		}
		action, ok := h.Recorder.Record(ev)
		if !ok {
			respondError(w, http.StatusInternalServerError, "event could not be recorded")
			return
		}
		respondJSON(w, http.StatusAccepted, action)

	default:
		respondError(w, http.StatusBadRequest, "body must be a raw event or a RECORD_ACTION envelope")
	}
}

// Simulate starts the scripted demo workflow in the background.
func (h *Handlers) Simulate(w http.ResponseWriter, r *http.Request) {
	if err := h.Simulator.Start(h.baseCtx()); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"steps":  len(recorder.DemoWorkflow),
	})
}

// ══════════════════════════════════════════════════════════════
// ── Patterns ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := h.Store.List(r.Context())

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseAgentStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := patterns[:0]
		for _, p := range patterns {
			if p.Status == status {
				filtered = append(filtered, p)
			}
		}
		patterns = filtered
	}
	respondJSON(w, http.StatusOK, patterns)
}

func (h *Handlers) GetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.Get(r.Context(), chi.URLParam(r, "patternId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) GeneratePattern(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "patternId")
	p, err := h.Lifecycle.Generate(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.GenerateResponse{
		Success:   true,
		PatternID: p.ID,
		Code:      p.Code,
		Status:    string(p.Status),
	})
}

func (h *Handlers) MintPattern(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "patternId")
	p, err := h.Lifecycle.Mint(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.MintResponse{
		Success:   true,
		PatternID: p.ID,
		TxHash:    p.TxHash,
		Status:    string(p.Status),
	})
}

// transitionRequest is the body of a manual lifecycle transition.
type transitionRequest struct {
	Status models.AgentStatus `json:"status"`
	Code   *string            `json:"code,omitempty"`
	TxHash *string            `json:"tx_hash,omitempty"`
}

func (h *Handlers) TransitionPattern(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status == "" {
		respondError(w, http.StatusBadRequest, "status is required")
		return
	}

	var opts []store.TransitionOption
	if req.Code != nil {
		opts = append(opts, store.WithCode(*req.Code))
	}
	if req.TxHash != nil {
		opts = append(opts, store.WithTxHash(*req.TxHash))
	}

	id := chi.URLParam(r, "patternId")
	p, err := h.Store.Transition(r.Context(), id, req.Status, opts...)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("pattern", id).Str("status", string(p.Status)).Msg("Pattern transitioned via API")
	respondJSON(w, http.StatusOK, p)
}

// ══════════════════════════════════════════════════════════════
// ── Reconcile, stats, logs ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reconciler.Run(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	added, adopted := res.Added, res.Adopted
	if added == nil {
		added = []string{}
	}
	if adopted == nil {
		adopted = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"added":   added,
		"adopted": adopted,
		"summary": res.Summary(),
	})
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Store.Stats(r.Context()))
}

func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Logs.Recent(queryInt(r, "limit", 0)))
}

// ActivateDemo replaces the pattern cache with the sample data set.
func (h *Handlers) ActivateDemo(w http.ResponseWriter, r *http.Request) {
	demo.Activate(r.Context(), h.Store, h.Logs)
	respondJSON(w, http.StatusOK, map[string]any{
		"patterns": h.Store.List(r.Context()),
		"stats":    h.Store.Stats(r.Context()),
	})
}

// ══════════════════════════════════════════════════════════════
// ── Delivery queue ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"stats":   h.Forwarder.Stats(),
		"pending": h.Forwarder.Pending(),
	})
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.Forwarder.DeadLetters().List(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if letters == nil {
		letters = []models.DeadLetter{}
	}
	respondJSON(w, http.StatusOK, letters)
}

func (h *Handlers) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.Forwarder.Replay(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

// ── Helpers ──────────────────────────────────────────────────

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// respondStoreError maps store, lifecycle and remote errors to statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	var (
		notFound *store.ErrNotFound
		illegal  *store.ErrIllegalTransition
		upstream *remote.StatusError
	)
	switch {
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &illegal), errors.Is(err, store.ErrBusy), errors.Is(err, store.ErrExists):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &upstream):
		respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
