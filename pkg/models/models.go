package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Actions ──────────────────────────────────────────────────

// ActionType tags the host signal an Action was produced from. The set is
// open: the remote service accepts unknown types it can classify later.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionSubmit   ActionType = "submit"
	ActionInput    ActionType = "input"
	ActionNavigate ActionType = "navigate"
	ActionScrape   ActionType = "scrape"
)

const (
	// TargetUnknown is the selector recorded when the interacted element is
	// missing or carries no tag.
	TargetUnknown = "UNKNOWN"

	// MaxTargetLength bounds Action.Target in characters.
	MaxTargetLength = 200

	// DefaultUserID is attributed to actions captured without a user.
	DefaultUserID = "demo_user"
)

// Action is an immutable record of one observed interaction.
type Action struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Type      ActionType     `json:"type"`
	Target    string         `json:"target"`
	URL       string         `json:"url"`
	Timestamp int64          `json:"timestamp"` // epoch milliseconds
	Metadata  map[string]any `json:"metadata"`
}

// Element is the structural description of a host element that received an
// interaction. A nil *Element is valid and maps to TargetUnknown.
type Element struct {
	Tag       string `json:"tag"`
	ID        string `json:"id,omitempty"`
	ClassName string `json:"class_name,omitempty"` // space separated, as in the DOM
	Text      string `json:"text,omitempty"`
	Value     string `json:"value,omitempty"`
}

// RawEventKind names the host listener a RawEvent came from.
type RawEventKind string

const (
	RawClick  RawEventKind = "click"
	RawSubmit RawEventKind = "submit"
	RawChange RawEventKind = "change"
)

// RawEvent is an un-normalized interaction signal from the host surface.
type RawEvent struct {
	Kind      RawEventKind   `json:"kind"`
	Target    *Element       `json:"target,omitempty"`
	URL       string         `json:"url"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"` // 0 means "now"
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MessageType identifies a hand-off message between the capture and
// delivery contexts.
type MessageType string

const MessageRecordAction MessageType = "RECORD_ACTION"

// Message is the capture hand-off envelope.
type Message struct {
	Type    MessageType `json:"type"`
	Payload Action      `json:"payload"`
}

// ── Patterns ─────────────────────────────────────────────────

// AgentStatus is the lifecycle state of a Pattern.
type AgentStatus string

const (
	StatusDetected    AgentStatus = "DETECTED"
	StatusGenerating  AgentStatus = "GENERATING"
	StatusReadyToMint AgentStatus = "READY_TO_MINT"
	StatusMinting     AgentStatus = "MINTING"
	StatusDeployed    AgentStatus = "DEPLOYED"
)

// transitions lists the legal forward edges plus the two rollback edges
// (GENERATING → DETECTED, MINTING → READY_TO_MINT).
var transitions = map[AgentStatus][]AgentStatus{
	StatusDetected:    {StatusGenerating},
	StatusGenerating:  {StatusReadyToMint, StatusDetected},
	StatusReadyToMint: {StatusMinting, StatusDeployed},
	StatusMinting:     {StatusDeployed, StatusReadyToMint},
	StatusDeployed:    {},
}

// ParseAgentStatus converts a wire string into an AgentStatus.
func ParseAgentStatus(s string) (AgentStatus, error) {
	st := AgentStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown agent status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the five lifecycle states.
func (s AgentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether s → next is a legal lifecycle edge.
// Staying in the same state is always legal.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if s == next {
		return s.Valid()
	}
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

func (s *AgentStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = ""
		return nil
	}
	st, err := ParseAgentStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Pattern is a detected repeated workflow and its automation status.
type Pattern struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Frequency   int         `json:"frequency"`
	Confidence  float64     `json:"confidence"`
	TimeSaved   int         `json:"time_saved"` // minutes per run
	Actions     []Action    `json:"actions"`
	Status      AgentStatus `json:"status"`
	Code        string      `json:"code,omitempty"`
	TxHash      string      `json:"tx_hash,omitempty"`
	CreatedAt   int64       `json:"created_at,omitempty"`
}

// UnmarshalJSON accepts both the service's snake_case fields and the
// camelCase spelling used by browser clients.
func (p *Pattern) UnmarshalJSON(data []byte) error {
	type plain Pattern
	aux := struct {
		*plain
		TxHashCamel    string `json:"txHash"`
		TimeSavedCamel *int   `json:"timeSaved"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if p.TxHash == "" {
		p.TxHash = aux.TxHashCamel
	}
	if p.TimeSaved == 0 && aux.TimeSavedCamel != nil {
		p.TimeSaved = *aux.TimeSavedCamel
	}
	if p.Status == "" {
		p.Status = StatusDetected
	}
	return nil
}

// Clone returns a copy of p that shares no slices with the original.
func (p Pattern) Clone() Pattern {
	if p.Actions != nil {
		actions := make([]Action, len(p.Actions))
		copy(actions, p.Actions)
		p.Actions = actions
	}
	return p
}

// ── Stats ────────────────────────────────────────────────────

// DeploymentCreditADA is credited to UserStats.ADAEarned once per pattern
// that reaches DEPLOYED.
const DeploymentCreditADA = 50.0

// UserStats are aggregate counters derived from pipeline and lifecycle events.
type UserStats struct {
	ActionsCaptured  int64   `json:"actions_captured"`
	PatternsDetected int64   `json:"patterns_detected"`
	AgentsDeployed   int64   `json:"agents_deployed"`
	TimeSavedHours   float64 `json:"time_saved_hours"`
	ADAEarned        float64 `json:"ada_earned"`
}

// ── Activity Log ─────────────────────────────────────────────

type LogType string

const (
	LogInfo    LogType = "info"
	LogSuccess LogType = "success"
	LogAction  LogType = "action"
)

// LogEntry is one line of the user-facing audit trail.
type LogEntry struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp"` // wall clock, e.g. "15:04:05"
	Type      LogType   `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Remote Service Wire Types ────────────────────────────────

// LifecycleRequest is the body of both generation and deployment requests.
type LifecycleRequest struct {
	PatternID   string `json:"pattern_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type GenerateResponse struct {
	Success   bool   `json:"success"`
	PatternID string `json:"pattern_id,omitempty"`
	Code      string `json:"code"`
	Status    string `json:"status,omitempty"`
}

type MintResponse struct {
	Success   bool   `json:"success"`
	PatternID string `json:"pattern_id,omitempty"`
	TxHash    string `json:"tx_hash"`
	Status    string `json:"status,omitempty"`
}

// ── Forwarder ────────────────────────────────────────────────

// QueueStats summarises the delivery queue for observers.
type QueueStats struct {
	Pending      int   `json:"pending"`
	Capacity     int   `json:"capacity"`
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	Dropped      int64 `json:"dropped"`
	DeadLettered int64 `json:"dead_lettered"`
}

// DeadLetter is an Action that exhausted its delivery attempts.
type DeadLetter struct {
	Action    Action    `json:"action"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}
