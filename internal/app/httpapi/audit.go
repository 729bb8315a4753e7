package httpapi

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

type auditEntry struct {
	Time       time.Time `json:"time" db:"occurred_at"`
	Caller     string    `json:"caller,omitempty" db:"caller"`
	Path       string    `json:"path" db:"path"`
	Method     string    `json:"method" db:"method"`
	Status     int       `json:"status" db:"status"`
	DurationMS int64     `json:"duration_ms" db:"duration_ms"`
	RemoteAddr string    `json:"remote_addr,omitempty" db:"remote_addr"`
	UserAgent  string    `json:"user_agent,omitempty" db:"user_agent"`
}

type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	sink    auditSink
}

type auditSink interface {
	Write(entry auditEntry) error
}

// NewAuditLog keeps the last max entries in memory and forwards each one to
// the file at path (JSONL) when path is set.
func NewAuditLog(max int, path string) (*auditLog, error) {
	sink, err := newFileAuditSink(path)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return newAuditLog(max, nil), nil
	}
	return newAuditLog(max, sink), nil
}

// NewPostgresAuditLog persists entries to the raffle_http_audit table.
func NewPostgresAuditLog(max int, db *sqlx.DB) *auditLog {
	return newAuditLog(max, newPostgresAuditSink(db))
}

func newAuditLog(max int, sink auditSink) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max, sink: sink}
}

func (l *auditLog) add(entry auditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink != nil {
		// Best-effort persistence; ignore errors to avoid impacting request flow.
		_ = l.sink.Write(entry)
	}
}

func (l *auditLog) list() []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *auditLog) listLimit(limit int) []auditEntry {
	if limit <= 0 || limit > l.max {
		limit = l.max
	}
	all := l.list()
	if len(all) <= limit {
		return all
	}
	return all[len(all)-limit:]
}

// fileAuditSink appends audit entries as JSONL.
type fileAuditSink struct {
	mu   sync.Mutex
	file *os.File
}

func newFileAuditSink(path string) (*fileAuditSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &fileAuditSink{file: f}, nil
}

func (s *fileAuditSink) Write(entry auditEntry) error {
	if s == nil || s.file == nil {
		return nil
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}

type postgresAuditSink struct {
	db *sqlx.DB
}

func newPostgresAuditSink(db *sqlx.DB) *postgresAuditSink {
	return &postgresAuditSink{db: db}
}

func (s *postgresAuditSink) Write(entry auditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO raffle_http_audit (occurred_at, caller, path, method, status, duration_ms, remote_addr, user_agent)
		VALUES (:occurred_at, :caller, :path, :method, :status, :duration_ms, :remote_addr, :user_agent)
	`, entry)
	return err
}
