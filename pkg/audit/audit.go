// Package audit records operator-visible actions to the store and,
// optionally, to an append-only JSON-lines file for external collection.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sentinelops/scp/pkg/log"
	"github.com/sentinelops/scp/pkg/storage"
	"github.com/sentinelops/scp/pkg/types"
)

// Recorder appends audit entries. A failure to record is logged but never
// fails the audited operation.
type Recorder struct {
	store storage.Store

	mu   sync.Mutex
	file *os.File
}

// NewRecorder creates a recorder. filePath is optional; when set, every entry
// is also appended to the file as one JSON object per line.
func NewRecorder(store storage.Store, filePath string) (*Recorder, error) {
	r := &Recorder{store: store}
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		r.file = f
	}
	return r, nil
}

// Record appends one entry
func (r *Recorder) Record(user string, action types.AuditAction, details map[string]any) {
	entry := &types.AuditEntry{
		Timestamp: time.Now().UTC(),
		User:      user,
		Action:    action,
		Details:   details,
	}

	if err := r.store.AppendAudit(entry); err != nil {
		logger := log.WithComponent("audit")
		logger.Error().Err(err).Str("action", string(action)).Msg("Failed to persist audit entry")
	}

	if r.file == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.Write(append(line, '\n'))
}

// Close closes the mirror file if one is open
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
