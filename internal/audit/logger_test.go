package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON line %q: %v", buf.String(), err)
	}
	return entry
}

func TestRecordSuccess(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)
	l.Record(OpConversationOpen, "req-1", "c1", "grok", nil)

	entry := decode(t, &buf)
	if entry["msg"] != "AUDIT" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["operation"] != "conversation.open" {
		t.Errorf("operation = %v", entry["operation"])
	}
	if entry["success"] != true {
		t.Errorf("success = %v", entry["success"])
	}
	if entry["conversation_id"] != "c1" || entry["kind"] != "grok" || entry["request_id"] != "req-1" {
		t.Errorf("unexpected fields: %v", entry)
	}
	if _, ok := entry["error"]; ok {
		t.Error("error should be omitted on success")
	}
}

func TestRecordFailure(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)
	l.Record(OpConfigUpdate, "", "", "", errors.New("reset failed"))

	entry := decode(t, &buf)
	if entry["success"] != false {
		t.Errorf("success = %v", entry["success"])
	}
	if entry["error"] != "reset failed" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestDetails(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, true).Log(&Event{Operation: OpConfigUpdate, Success: true, Details: map[string]any{"headless": true}})

	entry := decode(t, &buf)
	if entry["details"] != `{"headless":true}` {
		t.Errorf("details = %v", entry["details"])
	}
}

func TestDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Record(OpServiceStop, "", "", "", nil)
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote %q", buf.String())
	}

	l.SetEnabled(true)
	l.Record(OpServiceStop, "", "", "", nil)
	if buf.Len() == 0 {
		t.Error("enabled logger wrote nothing")
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.Record(OpServiceStop, "", "", "", nil)
}
