package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type captureSink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (s *captureSink) InsertAudit(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func TestRecorder_ForwardsAndStamps(t *testing.T) {
	sink := &captureSink{}
	var buf bytes.Buffer
	r := NewRecorder(sink, slog.New(slog.NewJSONHandler(&buf, nil)))

	r.Record(context.Background(), Entry{Action: ActionTokenReplay, OperatorID: "op1", TokenFP: "abcd"})

	if len(sink.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(sink.entries))
	}
	if sink.entries[0].At.IsZero() {
		t.Fatalf("expected At to be set")
	}
	if !strings.Contains(buf.String(), `"msg":"audit.token.replay"`) {
		t.Fatalf("missing log line: %s", buf.String())
	}
}

func TestRecorder_SinkErrorIsLogged(t *testing.T) {
	sink := &captureSink{err: errors.New("db down")}
	var buf bytes.Buffer
	r := NewRecorder(sink, slog.New(slog.NewJSONHandler(&buf, nil)))

	r.Record(context.Background(), Entry{Action: ActionForbidden})

	if !strings.Contains(buf.String(), "audit.insert.fail") {
		t.Fatalf("expected failure log, got: %s", buf.String())
	}
}

func TestRecorder_IgnoresBlankAction(t *testing.T) {
	sink := &captureSink{}
	NewRecorder(sink, nil).Record(context.Background(), Entry{Action: "  "})
	if len(sink.entries) != 0 {
		t.Fatalf("blank action should be dropped")
	}

	var nilRec *Recorder
	nilRec.Record(context.Background(), Entry{Action: ActionForbidden})
}
