package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditRecord is one approval decision written to the audit log.
type AuditRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	SessionID     string        `json:"session_id,omitempty"`
	OperationType OperationType `json:"operation_type"`
	Target        string        `json:"target"`
	Level         RiskLevel     `json:"level"`
	Score         int           `json:"score"`
	Status        Status        `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	AutoApproved  bool          `json:"auto_approved,omitempty"`
}

// AuditLog persists final approval decisions as append-only JSON lines in a
// local file. Rotation is left to external tooling. Thread-safe for
// concurrent use.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog creates an AuditLog that writes to the given path, creating
// parent directories as needed. The file itself is created on first append.
func NewAuditLog(path string) (*AuditLog, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("approval: create audit dir: %w", err)
		}
	}
	return &AuditLog{path: path}, nil
}

// Append writes one decision record to the log.
func (a *AuditLog) Append(rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("approval: marshal audit record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("approval: open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("approval: write audit record: %w", err)
	}
	return nil
}
