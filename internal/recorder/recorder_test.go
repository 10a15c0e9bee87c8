package recorder_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowmint/flowmint/internal/recorder"
	"github.com/flowmint/flowmint/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type captured struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (c *captured) Send(msg models.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *captured) all() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestSelector(t *testing.T) {
	tests := []struct {
		name string
		el   *models.Element
		want string
	}{
		{"nil element", nil, models.TargetUnknown},
		{"no tag", &models.Element{ID: "x"}, models.TargetUnknown},
		{"tag only", &models.Element{Tag: "DIV"}, "DIV"},
		{"tag and id", &models.Element{Tag: "BUTTON", ID: "submit"}, "BUTTON#submit"},
		{"classes", &models.Element{Tag: "BUTTON", ID: "submit", ClassName: "btn  btn-primary "}, "BUTTON#submit.btn.btn-primary"},
		{"blank classes", &models.Element{Tag: "SPAN", ClassName: "   "}, "SPAN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recorder.Selector(tt.el); got != tt.want {
				t.Errorf("Selector() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSelector_Truncates(t *testing.T) {
	el := &models.Element{Tag: "DIV", ClassName: strings.Repeat("verylongclass ", 40)}
	got := recorder.Selector(el)
	if n := len([]rune(got)); n != models.MaxTargetLength {
		t.Errorf("Selector() length = %d, want %d", n, models.MaxTargetLength)
	}
	if !strings.HasPrefix(got, "DIV.verylongclass") {
		t.Errorf("Selector() = %q, want DIV.verylongclass prefix", got[:30])
	}
}

func TestSanitizeMetadata(t *testing.T) {
	meta := map[string]any{
		"text":   "Submit",
		"count":  3,
		"nested": map[string]any{"a": []int{1, 2}},
		"fn":     func() {},
		"ch":     make(chan int),
		"nan":    math.NaN(),
	}
	got := recorder.SanitizeMetadata(meta)

	if got["text"] != "Submit" {
		t.Errorf("text = %v, want Submit", got["text"])
	}
	if got["count"] != float64(3) {
		t.Errorf("count = %v (%T), want float64 3", got["count"], got["count"])
	}
	if _, ok := got["nested"].(map[string]any); !ok {
		t.Errorf("nested = %T, want map[string]any", got["nested"])
	}
	for _, k := range []string{"fn", "ch", "nan"} {
		if _, ok := got[k]; ok {
			t.Errorf("key %q should have been dropped", k)
		}
	}
}

func TestSanitizeMetadata_Nil(t *testing.T) {
	got := recorder.SanitizeMetadata(nil)
	if got == nil || len(got) != 0 {
		t.Errorf("SanitizeMetadata(nil) = %v, want empty non-nil map", got)
	}
}

func TestRecord_HandsOffExactlyOnce(t *testing.T) {
	sink := &captured{}
	var capturedCount int
	r := recorder.New(sink,
		recorder.WithClock(fixedClock(1_701_360_000_000)),
		recorder.WithOnCaptured(func(models.Action) { capturedCount++ }),
	)

	action, ok := r.OnClick(&models.Element{Tag: "BUTTON", ID: "go", Text: "Go"}, "https://example.com/form")
	if !ok {
		t.Fatal("OnClick() ok = false")
	}

	msgs := sink.all()
	if len(msgs) != 1 {
		t.Fatalf("handoff received %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != models.MessageRecordAction {
		t.Errorf("message type = %q, want %q", msgs[0].Type, models.MessageRecordAction)
	}
	if msgs[0].Payload.ID != action.ID {
		t.Errorf("payload id = %q, want %q", msgs[0].Payload.ID, action.ID)
	}
	if action.Type != models.ActionClick {
		t.Errorf("Type = %q, want click", action.Type)
	}
	if action.Target != "BUTTON#go" {
		t.Errorf("Target = %q, want BUTTON#go", action.Target)
	}
	if action.UserID != models.DefaultUserID {
		t.Errorf("UserID = %q, want %q", action.UserID, models.DefaultUserID)
	}
	if action.Metadata["text"] != "Go" {
		t.Errorf("Metadata[text] = %v, want Go", action.Metadata["text"])
	}
	if action.Timestamp != 1_701_360_000_000 {
		t.Errorf("Timestamp = %d, want 1701360000000", action.Timestamp)
	}
	if capturedCount != 1 {
		t.Errorf("OnCaptured called %d times, want 1", capturedCount)
	}
}

func TestRecord_ListenerTypes(t *testing.T) {
	sink := &captured{}
	r := recorder.New(sink)

	r.OnClick(nil, "u")
	r.OnSubmit(&models.Element{Tag: "FORM", ID: "f"}, "u")
	r.OnChange(&models.Element{Tag: "INPUT", Value: "abc"}, "u")

	msgs := sink.all()
	want := []models.ActionType{models.ActionClick, models.ActionSubmit, models.ActionInput}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, w := range want {
		if msgs[i].Payload.Type != w {
			t.Errorf("msgs[%d].Type = %q, want %q", i, msgs[i].Payload.Type, w)
		}
	}
	if msgs[0].Payload.Target != models.TargetUnknown {
		t.Errorf("nil target = %q, want %q", msgs[0].Payload.Target, models.TargetUnknown)
	}
	if msgs[2].Payload.Metadata["value"] != "abc" {
		t.Errorf("change value = %v, want abc", msgs[2].Payload.Metadata["value"])
	}
}

func TestRecord_TimestampsNeverDecrease(t *testing.T) {
	sink := &captured{}
	r := recorder.New(sink, recorder.WithClock(fixedClock(5000)))

	r.Record(models.RawEvent{Kind: models.RawClick, Timestamp: 9000})
	r.Record(models.RawEvent{Kind: models.RawClick, Timestamp: 7000})
	r.Record(models.RawEvent{Kind: models.RawClick}) // clock says 5000

	msgs := sink.all()
	var prevTS int64
	var prevID string
	for i, m := range msgs {
		if m.Payload.Timestamp < prevTS {
			t.Errorf("msgs[%d].Timestamp = %d, went backwards from %d", i, m.Payload.Timestamp, prevTS)
		}
		if m.Payload.ID <= prevID {
			t.Errorf("msgs[%d].ID = %q not after %q", i, m.Payload.ID, prevID)
		}
		prevTS, prevID = m.Payload.Timestamp, m.Payload.ID
	}
}

func TestRecord_PanickingHandoffIsContained(t *testing.T) {
	r := recorder.New(recorder.HandoffFunc(func(models.Message) { panic("boom") }))
	if _, ok := r.OnSubmit(nil, "u"); ok {
		t.Error("Record() ok = true, want false after handoff panic")
	}
}

// recordWithin runs r.Record on another goroutine and fails if it does not
// return within the deadline.
func recordWithin(t *testing.T, r *recorder.Recorder, ev models.RawEvent) (models.Action, bool) {
	t.Helper()
	type result struct {
		action models.Action
		ok     bool
	}
	done := make(chan result, 1)
	go func() {
		a, ok := r.Record(ev)
		done <- result{a, ok}
	}()
	select {
	case res := <-done:
		return res.action, res.ok
	case <-time.After(2 * time.Second):
		t.Fatal("Record() did not return; recorder is stuck")
		return models.Action{}, false
	}
}

func TestRecord_OversizedTimestampFallsBackToClock(t *testing.T) {
	sink := &captured{}
	const now = int64(1_700_000_000_000)
	r := recorder.New(sink, recorder.WithClock(fixedClock(now)))

	micros := time.UnixMilli(now).UnixMicro()
	a, ok := recordWithin(t, r, models.RawEvent{Kind: models.RawClick, Timestamp: micros})
	if !ok {
		t.Fatal("Record() with microsecond timestamp ok = false")
	}
	if a.Timestamp != now {
		t.Errorf("Timestamp = %d, want clock %d", a.Timestamp, now)
	}

	next, ok := recordWithin(t, r, models.RawEvent{Kind: models.RawSubmit})
	if !ok {
		t.Fatal("second Record() ok = false")
	}
	if next.Timestamp != now {
		t.Errorf("second Timestamp = %d, want %d (clamp must not keep the bad value)", next.Timestamp, now)
	}
	if n := len(sink.all()); n != 2 {
		t.Errorf("handed off %d messages, want 2", n)
	}
}

func TestRecord_UsableAfterNormalizePanic(t *testing.T) {
	var logs bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&logs)
	t.Cleanup(func() { log.Logger = prev })

	sink := &captured{}
	calls := 0
	clock := func() time.Time {
		calls++
		if calls == 1 {
			panic(errors.New("clock unavailable"))
		}
		return time.UnixMilli(42)
	}
	r := recorder.New(sink, recorder.WithClock(clock))

	if _, ok := recordWithin(t, r, models.RawEvent{Kind: models.RawClick}); ok {
		t.Fatal("Record() ok = true, want false after normalize panic")
	}
	if n := len(sink.all()); n != 0 {
		t.Fatalf("handed off %d messages after failed normalize, want 0", n)
	}
	if !strings.Contains(logs.String(), `"panic":"clock unavailable"`) {
		t.Errorf("panic not rendered in log: %s", logs.String())
	}

	a, ok := recordWithin(t, r, models.RawEvent{Kind: models.RawClick})
	if !ok || a.Timestamp != 42 {
		t.Errorf("Record() after panic = %+v, %v", a, ok)
	}
}

func TestValidTimestamp(t *testing.T) {
	tests := []struct {
		ms   int64
		want bool
	}{
		{0, false},
		{-1, false},
		{1, true},
		{time.Now().UnixMilli(), true},
		{time.Now().UnixMicro(), false},
		{math.MaxInt64, false},
	}
	for _, tt := range tests {
		if got := recorder.ValidTimestamp(tt.ms); got != tt.want {
			t.Errorf("ValidTimestamp(%d) = %v, want %v", tt.ms, got, tt.want)
		}
	}
}

func TestClampTarget(t *testing.T) {
	if got := recorder.ClampTarget("  "); got != models.TargetUnknown {
		t.Errorf("ClampTarget(blank) = %q", got)
	}
	if got := recorder.ClampTarget("FORM#a"); got != "FORM#a" {
		t.Errorf("ClampTarget(short) = %q", got)
	}
	if got := recorder.ClampTarget(strings.Repeat("é", 300)); len([]rune(got)) != models.MaxTargetLength {
		t.Errorf("ClampTarget(long) has %d runes, want %d", len([]rune(got)), models.MaxTargetLength)
	}
}

func TestPlay_DemoWorkflow(t *testing.T) {
	sink := &captured{}
	r := recorder.New(sink)

	var described []string
	n := r.Play(context.Background(), recorder.DemoWorkflow, recorder.DemoURL, 0, func(s recorder.Step, a models.Action) {
		described = append(described, s.Description)
	})

	if n != len(recorder.DemoWorkflow) {
		t.Fatalf("Play() = %d, want %d", n, len(recorder.DemoWorkflow))
	}
	msgs := sink.all()
	if len(msgs) != len(recorder.DemoWorkflow) {
		t.Fatalf("handoff received %d messages, want %d", len(msgs), len(recorder.DemoWorkflow))
	}
	if msgs[0].Payload.Target != "BUTTON#login" {
		t.Errorf("first target = %q, want BUTTON#login", msgs[0].Payload.Target)
	}
	if msgs[2].Payload.Type != models.ActionInput {
		t.Errorf("third type = %q, want input", msgs[2].Payload.Type)
	}
	if msgs[0].Payload.Metadata["description"] != "Login to CRM" {
		t.Errorf("description = %v, want Login to CRM", msgs[0].Payload.Metadata["description"])
	}
	if described[len(described)-1] != "Confirm Download" {
		t.Errorf("last step = %q, want Confirm Download", described[len(described)-1])
	}
}

func TestPlay_StopsOnCancel(t *testing.T) {
	sink := &captured{}
	r := recorder.New(sink)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if n := r.Play(ctx, recorder.DemoWorkflow, recorder.DemoURL, time.Hour, nil); n != 0 {
		t.Errorf("Play() with cancelled ctx = %d, want 0", n)
	}
}
