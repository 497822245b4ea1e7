package events

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []LogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func newTestAuditLogger(t *testing.T) (*AuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := NewAuditLogger(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestAuditLogger_Log(t *testing.T) {
	l, path := newTestAuditLogger(t)

	require.NoError(t, l.Log("task_enqueued", map[string]any{
		"machine_id": "vm-1",
		"task_id":    "hct_1",
		"check_type": "DISK_SPACE",
		"priority":   "HIGH",
	}))

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "task_enqueued", e.EventType)
	assert.Equal(t, "vm-1", e.MachineID)
	assert.Equal(t, "hct_1", e.TaskID)
	assert.Equal(t, "DISK_SPACE", e.CheckType)
	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, "HIGH", e.Details["priority"])
	assert.Positive(t, l.Written())
	assert.Equal(t, path, l.GetCurrentLogPath())
}

func TestAuditLogger_ChecksumIntegrity(t *testing.T) {
	l, path := newTestAuditLogger(t)
	l.EnableChecksum(true)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Log("task_completed", map[string]any{"task_id": "hct_1"}))
	}
	require.NoError(t, l.Close())

	total, valid, err := VerifyLogIntegrity(path)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, valid)

	// Tamper with one entry.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "hct_1", "hct_2", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered+"not json\n"), 0644))

	total, valid, err = VerifyLogIntegrity(path)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, valid)
}

func TestVerifyLogIntegrity_MissingFile(t *testing.T) {
	_, _, err := VerifyLogIntegrity(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestAuditLogger_AttachRecordsBusEvents(t *testing.T) {
	l, path := newTestAuditLogger(t)
	bus := NewBus(10)
	defer bus.Close()
	detach := l.Attach(bus, zap.NewNop().Sugar())
	defer detach()

	require.NoError(t, bus.Dispatch("vms", "update", map[string]any{
		"id":                   "vm-7",
		"healthCheckCompleted": map[string]any{"taskId": "hct_9", "checkType": "WINDOWS_UPDATES"},
	}))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, time.Second, 5*time.Millisecond)

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, string(EventCheckDone), entries[0].EventType)
	assert.Equal(t, "vm-7", entries[0].MachineID)
	assert.Equal(t, "hct_9", entries[0].TaskID)
	assert.Equal(t, "WINDOWS_UPDATES", entries[0].CheckType)
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	l, path := newTestAuditLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Log("task_claimed", map[string]any{"task_id": "hct_x"}))
		}()
	}
	wg.Wait()

	assert.Len(t, readEntries(t, path), 20)
}

func TestAuditLogger_Rotate(t *testing.T) {
	l, path := newTestAuditLogger(t)
	require.NoError(t, l.Log("before", nil))
	require.NoError(t, l.Rotate())
	require.NoError(t, l.Log("after", nil))

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0].EventType)

	files, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(files), 2)
}
