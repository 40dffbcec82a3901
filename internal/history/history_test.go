package history

import (
	"context"
	"testing"
	"time"
)

func TestNilRecorder_NoOps(t *testing.T) {
	var r *Recorder

	if r.Record(context.Background(), Entry{Application: "illustrator"}) {
		t.Error("nil recorder Record() should return false")
	}
	if got := r.Recent(context.Background(), 10); got != nil {
		t.Errorf("nil recorder Recent() = %v, want nil", got)
	}
	r.Close() // must not panic
}

func TestOpen_NoURL(t *testing.T) {
	if r := Open(Config{}); r != nil {
		t.Error("Open() with no URL should return nil")
	}
}

func TestOpen_BadURL(t *testing.T) {
	if r := Open(Config{URL: "not-a-redis-url"}); r != nil {
		t.Error("Open() with a malformed URL should return nil")
	}
}

func TestEntryFields(t *testing.T) {
	e := Entry{
		Application: "photoshop",
		Action:      "exportPNG",
		Status:      "SUCCESS",
		LatencyMs:   42,
		Timestamp:   time.Now(),
	}
	if e.Application != "photoshop" || e.LatencyMs != 42 {
		t.Error("entry fields not preserved")
	}
}
