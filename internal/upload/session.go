// Package upload implements the byte-offset resumable upload protocol:
// create, probe, append at offset, cancel, with implicit completion when the
// offset reaches the declared size. Sessions expire 24h after creation.
package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/monitoring"
	"github.com/driftsync/driftsync/internal/types"
)

// SessionTTL is the lifetime of an upload session.
const SessionTTL = 24 * time.Hour

// Session is one server-side upload in progress.
type Session struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	TotalSize int64             `json:"totalSize"`
	Offset    int64             `json:"offset"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Complete reports whether every byte has arrived.
func (s *Session) Complete() bool { return s.TotalSize > 0 && s.Offset >= s.TotalSize }

// ErrOffsetMismatch rejects a PATCH whose declared offset does not match the
// server's; the wire maps it to 409.
type ErrOffsetMismatch struct {
	Expected, Got int64
}

func (e *ErrOffsetMismatch) Error() string {
	return fmt.Sprintf("upload offset mismatch: expected %d, got %d", e.Expected, e.Got)
}

// ErrSessionNotFound covers unknown and expired sessions.
var ErrSessionNotFound = fmt.Errorf("upload session not found")

// Manager owns the server-side sessions and their temp files.
type Manager struct {
	dir     string
	baseURL string
	metrics *monitoring.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// NewManager opens a session manager writing temp files under dir. baseURL
// prefixes the session URLs handed back on create.
func NewManager(dir, baseURL string, metrics *monitoring.Metrics, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &types.StoreError{Op: "upload dir", Cause: err}
	}
	return &Manager{
		dir:      dir,
		baseURL:  baseURL,
		metrics:  metrics,
		logger:   logger,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}, nil
}

func (m *Manager) filePath(id string) string {
	return filepath.Join(m.dir, id+".part")
}

// Create allocates a session with a zero-length temp file.
func (m *Manager) Create(totalSize int64, metadata map[string]string) (*Session, error) {
	if totalSize <= 0 {
		return nil, &types.ProtocolError{Reason: "upload length must be positive"}
	}

	id := uuid.NewString()
	f, err := os.Create(m.filePath(id))
	if err != nil {
		return nil, &types.StoreError{Op: "upload create", Cause: err}
	}
	f.Close()

	s := &Session{
		ID:        id,
		URL:       m.baseURL + "/" + id,
		TotalSize: totalSize,
		Metadata:  metadata,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("upload session created",
		zap.String("session_id", id),
		zap.Int64("total_size", totalSize))
	return m.snapshot(s), nil
}

// Get returns the session state or ErrSessionNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	return m.snapshot(s), nil
}

func (m *Manager) getLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.now().Sub(s.CreatedAt) > SessionTTL {
		delete(m.sessions, id)
		os.Remove(m.filePath(id))
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Append writes exactly length bytes from r at offset. The declared offset
// must match the server's or the append is rejected without consuming
// anything.
func (m *Manager) Append(id string, offset int64, r io.Reader, length int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	if offset != s.Offset {
		return nil, &ErrOffsetMismatch{Expected: s.Offset, Got: offset}
	}
	if s.Offset+length > s.TotalSize {
		return nil, &types.ProtocolError{Reason: "chunk exceeds declared upload length"}
	}

	f, err := os.OpenFile(m.filePath(id), os.O_WRONLY, 0644)
	if err != nil {
		return nil, &types.StoreError{Op: "upload append", Cause: err}
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, &types.StoreError{Op: "upload append", Cause: err}
	}
	n, err := io.CopyN(f, r, length)
	s.Offset += n
	if err != nil {
		return nil, &types.NetworkError{Op: "upload append", Cause: err}
	}

	if m.metrics != nil {
		m.metrics.UploadBytes.Add(float64(n))
	}
	if s.Complete() {
		m.logger.Info("upload complete",
			zap.String("session_id", id),
			zap.Int64("size", s.TotalSize))
	}
	return m.snapshot(s), nil
}

// Cancel deletes the session and its temp file.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	if err := os.Remove(m.filePath(id)); err != nil && !os.IsNotExist(err) {
		return &types.StoreError{Op: "upload cancel", Cause: err}
	}
	return nil
}

// List returns the live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if m.now().Sub(s.CreatedAt) > SessionTTL {
			delete(m.sessions, id)
			os.Remove(m.filePath(id))
			continue
		}
		out = append(out, m.snapshot(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// FilePath exposes the completed file location for a session.
func (m *Manager) FilePath(id string) string { return m.filePath(id) }

func (m *Manager) snapshot(s *Session) *Session {
	copy := *s
	return &copy
}
