// Package recorder turns raw interaction signals from the observed host
// surface into normalized Actions and hands them to the delivery context.
// It performs no network I/O and never propagates a failure to the host.
package recorder

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/flowmint/flowmint/pkg/models"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Handoff receives capture messages. Implementations must not block.
type Handoff interface {
	Send(msg models.Message)
}

// HandoffFunc adapts a function to Handoff.
type HandoffFunc func(models.Message)

func (f HandoffFunc) Send(msg models.Message) { f(msg) }

// Option configures a Recorder.
type Option func(*Recorder)

// WithUserID sets the user attributed to events that carry none.
func WithUserID(id string) Option {
	return func(r *Recorder) {
		if id != "" {
			r.userID = id
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithOnCaptured registers a callback invoked after each hand-off.
func WithOnCaptured(fn func(models.Action)) Option {
	return func(r *Recorder) { r.onCaptured = fn }
}

// Recorder normalizes RawEvents. It is safe for concurrent use; actions
// produced by one Recorder have non-decreasing timestamps and ids.
type Recorder struct {
	handoff    Handoff
	userID     string
	now        func() time.Time
	onCaptured func(models.Action)

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	lastTS  int64
}

// New creates a Recorder that sends every captured action to handoff.
func New(handoff Handoff, opts ...Option) *Recorder {
	r := &Recorder{
		handoff: handoff,
		userID:  models.DefaultUserID,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnClick records a pointer activation on target.
func (r *Recorder) OnClick(target *models.Element, url string) (models.Action, bool) {
	meta := map[string]any{}
	if target != nil {
		meta["text"] = target.Text
	}
	return r.Record(models.RawEvent{Kind: models.RawClick, Target: target, URL: url, Metadata: meta})
}

// OnSubmit records a form submission.
func (r *Recorder) OnSubmit(target *models.Element, url string) (models.Action, bool) {
	return r.Record(models.RawEvent{Kind: models.RawSubmit, Target: target, URL: url})
}

// OnChange records a value change. The action type is "input".
func (r *Recorder) OnChange(target *models.Element, url string) (models.Action, bool) {
	meta := map[string]any{}
	if target != nil {
		meta["value"] = target.Value
	}
	return r.Record(models.RawEvent{Kind: models.RawChange, Target: target, URL: url, Metadata: meta})
}

// Record normalizes ev into exactly one Action and hands it off. The boolean
// is false only if normalization panicked, in which case nothing is sent.
func (r *Recorder) Record(ev models.RawEvent) (action models.Action, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("panic", fmt.Sprint(rec)).Str("kind", string(ev.Kind)).Msg("recorder: dropped event")
			action, ok = models.Action{}, false
		}
	}()

	action = r.normalize(ev)
	r.handoff.Send(models.Message{Type: models.MessageRecordAction, Payload: action})
	if r.onCaptured != nil {
		r.onCaptured(action)
	}
	return action, true
}

func (r *Recorder) normalize(ev models.RawEvent) models.Action {
	userID := ev.UserID
	if userID == "" {
		userID = r.userID
	}

	ts, id := r.stamp(ev.Timestamp)
	return models.Action{
		ID:        id,
		UserID:    userID,
		Type:      ActionType(ev.Kind),
		Target:    Selector(ev.Target),
		URL:       ev.URL,
		Timestamp: ts,
		Metadata:  SanitizeMetadata(ev.Metadata),
	}
}

// stamp picks the action timestamp and mints its id. Timestamps that are
// unset or do not fit a millisecond ULID (for example microsecond epochs)
// fall back to the clock; the result never goes below the last one issued.
func (r *Recorder) stamp(requested int64) (int64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := requested
	if !ValidTimestamp(ts) {
		if ts != 0 {
			log.Debug().Int64("timestamp", ts).Msg("recorder: timestamp out of range, using clock")
		}
		ts = r.now().UnixMilli()
	}
	if ts < r.lastTS {
		ts = r.lastTS
	}

	id, err := ulid.New(uint64(ts), r.entropy)
	if err != nil {
		// Monotonic entropy exhausted within this millisecond.
		id, err = ulid.New(uint64(ts), rand.Reader)
		if err != nil {
			panic(err)
		}
	}
	r.lastTS = ts
	return ts, id.String()
}

// ValidTimestamp reports whether ms is a positive epoch-millisecond value
// that a ULID can encode.
func ValidTimestamp(ms int64) bool {
	return ms > 0 && uint64(ms) <= ulid.MaxTime()
}

// ActionType maps a host listener kind onto the action type it records.
func ActionType(kind models.RawEventKind) models.ActionType {
	switch k := strings.ToLower(strings.TrimSpace(string(kind))); k {
	case string(models.RawChange):
		return models.ActionInput
	case "":
		return "unknown"
	default:
		return models.ActionType(k)
	}
}

// Selector describes el as TAG#id.class1.class2, truncated to
// models.MaxTargetLength characters. A nil or tagless element yields
// models.TargetUnknown.
func Selector(el *models.Element) string {
	if el == nil || strings.TrimSpace(el.Tag) == "" {
		return models.TargetUnknown
	}

	var b strings.Builder
	b.WriteString(el.Tag)
	if el.ID != "" {
		b.WriteByte('#')
		b.WriteString(el.ID)
	}
	for _, class := range strings.Fields(el.ClassName) {
		b.WriteByte('.')
		b.WriteString(class)
	}
	return truncate(b.String(), models.MaxTargetLength)
}

// ClampTarget bounds an already-built selector to models.MaxTargetLength
// characters. An empty selector becomes models.TargetUnknown.
func ClampTarget(target string) string {
	if strings.TrimSpace(target) == "" {
		return models.TargetUnknown
	}
	return truncate(target, models.MaxTargetLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// SanitizeMetadata returns a JSON-clean copy of meta. Each value is round
// tripped through encoding/json; values that fail to encode are dropped
// individually. A nil bag, or one whose processing panics, becomes empty.
func SanitizeMetadata(meta map[string]any) (out map[string]any) {
	out = make(map[string]any, len(meta))
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Str("panic", fmt.Sprint(rec)).Msg("recorder: metadata discarded")
			out = map[string]any{}
		}
	}()

	for k, v := range meta {
		data, err := json.Marshal(v)
		if err != nil {
			log.Debug().Err(err).Str("key", k).Msg("recorder: dropping unserializable metadata value")
			continue
		}
		var clean any
		if err := json.Unmarshal(data, &clean); err != nil {
			continue
		}
		out[k] = clean
	}
	return out
}
