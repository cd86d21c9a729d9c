package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type discardWriter struct{}

func (discardWriter) WriteEvent(*AuditEvent) error { return nil }

type failingWriter struct{}

func (failingWriter) WriteEvent(*AuditEvent) error { return errors.New("disk full") }

func TestAuditLogger_LogEncrypt(t *testing.T) {
	logger := NewLogger(100, discardWriter{})

	logger.LogEncrypt("data-1", "cached-wrapped", true, nil, 100*time.Millisecond, nil)

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeEncrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeEncrypt, event.EventType)
	}
	if event.KeyID != "data-1" {
		t.Fatalf("expected key id data-1, got %s", event.KeyID)
	}
	if event.KeyType != "cached-wrapped" {
		t.Fatalf("expected key type cached-wrapped, got %s", event.KeyType)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
}

func TestAuditLogger_LogDecrypt(t *testing.T) {
	logger := NewLogger(100, discardWriter{})

	logger.LogDecrypt("data-2", "wrapped", true, nil, 50*time.Millisecond, map[string]interface{}{"source": "api"})

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventType != EventTypeDecrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeDecrypt, events[0].EventType)
	}
	if events[0].Metadata["source"] != "api" {
		t.Fatalf("expected metadata to be kept, got %v", events[0].Metadata)
	}
}

func TestAuditLogger_LogHmac(t *testing.T) {
	logger := NewLogger(100, discardWriter{})

	logger.LogHmac([]string{"hmac-1", "hmac-2"}, true, nil, time.Millisecond)

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if len(events[0].KeyIDs) != 2 {
		t.Fatalf("expected 2 key ids, got %v", events[0].KeyIDs)
	}
}

func TestAuditLogger_LogKeyRotation(t *testing.T) {
	logger := NewLogger(100, discardWriter{})

	logger.LogKeyRotation("Encryption", "data-1", "data-2", nil)

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeKeyRotation {
		t.Fatalf("expected event type %s, got %s", EventTypeKeyRotation, event.EventType)
	}
	if event.KeyID != "data-2" || event.Metadata["previous_key_id"] != "data-1" {
		t.Fatalf("unexpected rotation event: %+v", event)
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, discardWriter{})

	for i := 0; i < 10; i++ {
		logger.LogEncrypt("data-1", "wrapped", true, nil, time.Millisecond, nil)
	}

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 5 {
		t.Fatalf("expected 5 events (max), got %d", len(events))
	}
}

func TestAuditLogger_LogError(t *testing.T) {
	logger := NewLogger(100, discardWriter{})

	logger.LogEncrypt("data-1", "wrapped", false, errors.New("test error"), time.Millisecond, nil)

	event := logger.(*auditLogger).GetEvents()[0]
	if event.Success {
		t.Fatal("expected success to be false")
	}
	if event.Error != "test error" {
		t.Fatalf("expected error 'test error', got %s", event.Error)
	}
}

func TestAuditLogger_WriterFailureIsReported(t *testing.T) {
	logger := NewLogger(10, failingWriter{})
	var reported error
	logger.(*auditLogger).onError = func(err error) { reported = err }

	if err := logger.Log(&AuditEvent{EventType: EventTypeAccess}); err != nil {
		t.Fatalf("writer failures must not fail Log: %v", err)
	}
	if reported == nil {
		t.Fatal("expected writer failure to be reported")
	}
	if len(logger.(*auditLogger).GetEvents()) != 1 {
		t.Fatal("event should still be buffered")
	}
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(10, NewJSONWriter(&buf))

	logger.LogAccess("POST /v1/encrypt", "10.0.0.1", "curl", "req-1", true, nil, time.Millisecond)

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["operation"] != "POST /v1/encrypt" || decoded["request_id"] != "req-1" {
		t.Fatalf("unexpected JSON event: %v", decoded)
	}
}

func TestLogrusWriter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	logger := NewLogger(10, NewLogrusWriter(l))
	logger.LogEncrypt("data-1", "wrapped", true, nil, time.Millisecond, nil)

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["key_id"] != "data-1" || decoded["audit"] != true {
		t.Fatalf("unexpected log entry: %v", decoded)
	}
}
