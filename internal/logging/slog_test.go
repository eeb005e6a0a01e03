package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/goccy/go-json"
)

func TestSlogHandlerWritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	sl := NewSlogLogger(NewTestLogger(&buf)).With("supervisor", "umbral").WithGroup("event")

	sl.Warn("service failed", "service", "matching-cycle", "restarting", true, "err", errors.New("boom"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if entry["level"] != "warn" || entry["message"] != "service failed" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["supervisor"] != "umbral" || entry["event.service"] != "matching-cycle" || entry["event.restarting"] != true {
		t.Fatalf("attributes lost: %v", entry)
	}
	if entry["event.err"] != "boom" {
		t.Fatalf("error attr=%v want=boom", entry["event.err"])
	}
}
