package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents an encryption operation.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a decryption operation.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeHmac represents a keyed hash operation.
	EventTypeHmac EventType = "hmac"
	// EventTypeKeyRotation represents a change of the current key.
	EventTypeKeyRotation EventType = "key_rotation"
	// EventTypeAccess represents an API access.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event. It never carries key
// material or plaintext.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	KeyID     string                 `json:"key_id,omitempty"`
	KeyType   string                 `json:"key_type,omitempty"`
	KeyIDs    []string               `json:"key_ids,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogEncrypt logs an encryption operation.
	LogEncrypt(keyID, keyType string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogDecrypt logs a decryption operation.
	LogDecrypt(keyID, keyType string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogHmac logs a batch hmac operation over the given keys.
	LogHmac(keyIDs []string, success bool, err error, duration time.Duration)

	// LogKeyRotation logs a change of the current key for a usage.
	LogKeyRotation(usage, previousKeyID, keyID string, err error)

	// LogAccess logs an API access.
	LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger keeps the last maxEvents events in memory and forwards every
// event to its writer.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	onError   func(error)
}

// NewLogger creates a new audit logger. A nil writer prints JSON lines to stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		onError: func(err error) {
			logrus.WithError(err).Warn("failed to write audit event")
		},
	}
}

// Log logs an audit event. Writer failures are reported but never fail the
// audited operation.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.WriteEvent(event); err != nil {
		l.onError(err)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

func newEvent(t EventType, success bool, err error, duration time.Duration) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: t,
		Operation: string(t),
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

// LogEncrypt logs an encryption operation.
func (l *auditLogger) LogEncrypt(keyID, keyType string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := newEvent(EventTypeEncrypt, success, err, duration)
	event.KeyID = keyID
	event.KeyType = keyType
	event.Metadata = metadata
	l.Log(event)
}

// LogDecrypt logs a decryption operation.
func (l *auditLogger) LogDecrypt(keyID, keyType string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := newEvent(EventTypeDecrypt, success, err, duration)
	event.KeyID = keyID
	event.KeyType = keyType
	event.Metadata = metadata
	l.Log(event)
}

// LogHmac logs a batch hmac operation.
func (l *auditLogger) LogHmac(keyIDs []string, success bool, err error, duration time.Duration) {
	event := newEvent(EventTypeHmac, success, err, duration)
	event.KeyIDs = keyIDs
	l.Log(event)
}

// LogKeyRotation logs a change of the current key.
func (l *auditLogger) LogKeyRotation(usage, previousKeyID, keyID string, err error) {
	event := newEvent(EventTypeKeyRotation, err == nil, err, 0)
	event.KeyID = keyID
	event.Metadata = map[string]interface{}{
		"usage":           usage,
		"previous_key_id": previousKeyID,
	}
	l.Log(event)
}

// LogAccess logs an API access.
func (l *auditLogger) LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := newEvent(EventTypeAccess, success, err, duration)
	event.Operation = operation
	event.ClientIP = clientIP
	event.UserAgent = userAgent
	event.RequestID = requestID
	l.Log(event)
}

// GetEvents returns all buffered audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// jsonWriter writes one JSON object per line.
type jsonWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONWriter returns an EventWriter emitting JSON lines to w.
func NewJSONWriter(w io.Writer) EventWriter {
	return &jsonWriter{w: w}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// logrusWriter routes audit events through a logrus logger.
type logrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns an EventWriter that logs events at Info level.
func NewLogrusWriter(logger *logrus.Logger) EventWriter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"operation":  event.Operation,
		"success":    event.Success,
		"duration":   event.Duration,
	}
	if event.KeyID != "" {
		fields["key_id"] = event.KeyID
	}
	if event.KeyType != "" {
		fields["key_type"] = event.KeyType
	}
	if len(event.KeyIDs) > 0 {
		fields["key_ids"] = event.KeyIDs
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ClientIP != "" {
		fields["client_ip"] = event.ClientIP
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}
	w.logger.WithFields(fields).Info("audit event")
	return nil
}
