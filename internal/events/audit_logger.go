package events

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultMaxLogSizeMB is the rotation threshold when none is configured.
	DefaultMaxLogSizeMB = 100
	// DefaultMaxBackups is the number of rotated files kept.
	DefaultMaxBackups = 10
)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id,omitempty"`
	MachineID string         `json:"machine_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	CheckType string         `json:"check_type,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// AuditLogger appends JSON lines to a size-rotated file.
type AuditLogger struct {
	mu             sync.Mutex
	out            *lumberjack.Logger
	logPath        string
	enableChecksum bool
	written        int64
}

// NewAuditLogger opens logPath for appending. Rotated files are kept next to
// it, up to DefaultMaxBackups.
func NewAuditLogger(logPath string, maxSizeMB int) (*AuditLogger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxLogSizeMB
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &AuditLogger{
		out: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSizeMB,
			MaxBackups: DefaultMaxBackups,
		},
		logPath: logPath,
	}, nil
}

// Log writes an entry for eventType. Well-known keys of details are lifted
// into the entry.
func (l *AuditLogger) Log(eventType string, details map[string]any) error {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		EventID:   uuid.NewString(),
		Details:   details,
	}
	if v, ok := details["machine_id"].(string); ok {
		entry.MachineID = v
	}
	if v, ok := details["task_id"].(string); ok {
		entry.TaskID = v
	}
	if v, ok := details["check_type"].(string); ok {
		entry.CheckType = v
	}
	return l.WriteEntry(&entry)
}

// WriteEntry writes a structured log entry to the file
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if l.enableChecksum {
		entry.Checksum = calculateChecksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	data = append(data, '\n')

	n, err := l.out.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	l.written += int64(n)
	return nil
}

// Record converts a bus event into an audit entry.
func (l *AuditLogger) Record(e Event) error {
	entry := LogEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		MachineID: e.MachineID,
		Details:   e.Body(),
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if body := e.Body(); body != nil {
		entry.TaskID, _ = body["taskId"].(string)
		entry.CheckType, _ = body["checkType"].(string)
	}
	return l.WriteEntry(&entry)
}

// Attach subscribes the logger to every event on bus. Write failures are
// reported to logger. The returned function detaches it.
func (l *AuditLogger) Attach(bus *Bus, logger *zap.SugaredLogger) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := l.Record(e); err != nil {
			logger.Warnw("audit_write_failed", "event", e.Type, "machine", e.MachineID, "error", err)
		}
	})
}

// Rotate closes the current file and starts a new one.
func (l *AuditLogger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Rotate()
}

func calculateChecksum(entry *LogEntry) string {
	entryCopy := *entry
	entryCopy.Checksum = ""

	data, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", simpleHash(data))
}

// simpleHash is djb2.
func simpleHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// EnableChecksum enables checksum calculation for log entries
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// VerifyLogIntegrity counts the entries of logPath and how many of them pass
// their checksum. Entries without a checksum count as valid; malformed lines
// are skipped.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		total++
		if entry.Checksum == "" || calculateChecksum(&entry) == entry.Checksum {
			valid++
		}
	}
	if err := scanner.Err(); err != nil {
		return total, valid, fmt.Errorf("failed to read log file: %w", err)
	}
	return total, valid, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// GetCurrentLogPath returns the current log file path
func (l *AuditLogger) GetCurrentLogPath() string {
	return l.logPath
}

// Written returns the bytes written by this logger since it was opened.
func (l *AuditLogger) Written() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}
