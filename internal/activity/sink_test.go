package activity_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/flowmint/flowmint/internal/activity"
	"github.com/flowmint/flowmint/pkg/models"
)

func TestAdd_NewestFirst(t *testing.T) {
	s := activity.NewSink(5)
	s.Add("first", models.LogInfo)
	s.Add("second", models.LogSuccess)
	s.Add("third", models.LogAction)

	got := s.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d entries, want 3", len(got))
	}
	want := []string{"third", "second", "first"}
	for i, w := range want {
		if got[i].Message != w {
			t.Errorf("Recent()[%d].Message = %q, want %q", i, got[i].Message, w)
		}
	}
	if got[1].Type != models.LogSuccess {
		t.Errorf("Recent()[1].Type = %q, want %q", got[1].Type, models.LogSuccess)
	}
}

func TestAdd_CapacityEvictsOldest(t *testing.T) {
	s := activity.NewSink(activity.DefaultCapacity)
	for i := 0; i < 50; i++ {
		s.Add(fmt.Sprintf("msg-%d", i), models.LogInfo)
		if s.Len() > activity.DefaultCapacity {
			t.Fatalf("Len() = %d after %d adds, exceeds capacity %d", s.Len(), i+1, activity.DefaultCapacity)
		}
	}

	got := s.Recent(0)
	if len(got) != activity.DefaultCapacity {
		t.Fatalf("Recent() returned %d entries, want %d", len(got), activity.DefaultCapacity)
	}
	if got[0].Message != "msg-49" {
		t.Errorf("newest = %q, want msg-49", got[0].Message)
	}
	if got[len(got)-1].Message != "msg-30" {
		t.Errorf("oldest retained = %q, want msg-30", got[len(got)-1].Message)
	}
}

func TestAdd_DefaultsToInfo(t *testing.T) {
	s := activity.NewSink(3)
	e := s.Add("untyped", "")
	if e.Type != models.LogInfo {
		t.Errorf("Add().Type = %q, want %q", e.Type, models.LogInfo)
	}
	if e.ID == "" {
		t.Error("Add().ID is empty")
	}
	if e.Timestamp == "" {
		t.Error("Add().Timestamp is empty")
	}
}

func TestRecent_Limit(t *testing.T) {
	s := activity.NewSink(10)
	for i := 0; i < 4; i++ {
		s.Add(fmt.Sprintf("m%d", i), models.LogInfo)
	}
	if got := s.Recent(2); len(got) != 2 || got[0].Message != "m3" {
		t.Errorf("Recent(2) = %+v, want [m3 m2]", got)
	}
	if got := s.Recent(100); len(got) != 4 {
		t.Errorf("Recent(100) returned %d entries, want 4", len(got))
	}
}

func TestSubscribe(t *testing.T) {
	s := activity.NewSink(3)
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.Add("hello", models.LogSuccess)

	select {
	case e := <-ch:
		if e.Message != "hello" {
			t.Errorf("subscriber got %q, want hello", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive entry")
	}
}

func TestUnsubscribe_Twice(t *testing.T) {
	s := activity.NewSink(3)
	ch := s.Subscribe()
	s.Unsubscribe(ch)
	s.Unsubscribe(ch) // must not panic on double close

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}
