// Package history records sessions and their transcripts in SQLite.
//
// The database may be shared by several dbgmcp processes (an MCP server per
// editor window, the shepherd, the HTTP server). Each Store writes its rows
// under a random instance id, so session ids that repeat across processes or
// restarts never collide.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/peterje/dbgmcp/internal/models"
	"github.com/peterje/dbgmcp/internal/sessions"
)

// KindBanner marks the output read while a session started.
const KindBanner = "banner"

type Store struct {
	db       *sql.DB
	log      logr.Logger
	instance string
	pid      int

	mu   sync.Mutex
	rows map[string]int64
}

func New(db *sql.DB, log logr.Logger) *Store {
	return &Store{
		db:       db,
		log:      log,
		instance: uuid.NewString(),
		pid:      os.Getpid(),
		rows:     make(map[string]int64),
	}
}

// Instance is the id this store writes its rows under.
func (s *Store) Instance() string { return s.instance }

// SessionStarted implements sessions.Observer.
func (s *Store) SessionStarted(info sessions.Info, banner string) {
	argv := info.Args
	if argv == nil {
		argv = []string{}
	}
	args, err := json.Marshal(argv)
	if err != nil {
		s.log.Error(err, "failed to encode session args", "session", info.ID)
		return
	}
	res, err := s.db.Exec(`INSERT INTO sessions (instance, owner_pid, id, program, args, prompt, status, pid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.instance, s.pid, info.ID, info.Program, string(args), info.Prompt, models.StatusRunning, info.PID, info.CreatedAt.UTC())
	if err != nil {
		s.log.Error(err, "failed to record session", "session", info.ID)
		return
	}
	row, err := res.LastInsertId()
	if err != nil {
		s.log.Error(err, "failed to record session", "session", info.ID)
		return
	}

	s.mu.Lock()
	s.rows[info.ID] = row
	s.mu.Unlock()

	if banner != "" {
		s.insertEntry(info.ID, row, KindBanner, "", banner, nil)
	}
}

// CommandExecuted implements sessions.Observer.
func (s *Store) CommandExecuted(id, kind, input, output string, err error) {
	row, ok := s.row(id)
	if !ok {
		return
	}
	s.insertEntry(id, row, kind, input, output, err)
}

// SessionStopped implements sessions.Observer.
func (s *Store) SessionStopped(id string, err error) {
	s.mu.Lock()
	row, ok := s.rows[id]
	delete(s.rows, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	status, msg := models.StatusStopped, ""
	if err != nil {
		status, msg = models.StatusFailed, err.Error()
	}
	if _, err := s.db.Exec(`UPDATE sessions SET status = ?, error = ?, stopped_at = ? WHERE row_id = ?`,
		status, msg, time.Now().UTC(), row); err != nil {
		s.log.Error(err, "failed to record session stop", "session", id)
	}
}

// MarkStale marks running sessions whose owning process is gone as stopped.
// A row owned by this pid under another instance belongs to an earlier
// process that had the same pid.
func (s *Store) MarkStale() (int64, error) {
	rows, err := s.db.Query(`SELECT row_id, instance, owner_pid FROM sessions WHERE status = ?`, models.StatusRunning)
	if err != nil {
		return 0, err
	}
	var stale []int64
	for rows.Next() {
		var row int64
		var instance string
		var owner int
		if err := rows.Scan(&row, &instance, &owner); err != nil {
			rows.Close()
			return 0, err
		}
		if instance == s.instance {
			continue
		}
		if owner == s.pid || !processAlive(owner) {
			stale = append(stale, row)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, row := range stale {
		if _, err := s.db.Exec(`UPDATE sessions SET status = ?, error = ?, stopped_at = ? WHERE row_id = ?`,
			models.StatusStopped, "owner process exited", now, row); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		s.log.Info("marked stale sessions as stopped", "count", len(stale))
	}
	return int64(len(stale)), nil
}

// Sessions returns the most recent sessions from every process, newest first.
func (s *Store) Sessions(limit int) ([]models.SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, instance, owner_pid, program, args, prompt, status, pid, error, created_at, stopped_at
		FROM sessions ORDER BY created_at DESC, row_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.SessionRecord{}
	for rows.Next() {
		var rec models.SessionRecord
		var args string
		if err := rows.Scan(&rec.ID, &rec.Instance, &rec.OwnerPID, &rec.Program, &args, &rec.Prompt,
			&rec.Status, &rec.PID, &rec.Error, &rec.CreatedAt, &rec.StoppedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
			return nil, fmt.Errorf("session %s: decode args: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Transcript returns the entries of the session with the given id, preferring
// this store's own session over older ones with the same id.
func (s *Store) Transcript(id string) ([]models.TranscriptEntry, error) {
	var row int64
	err := s.db.QueryRow(`SELECT row_id FROM sessions WHERE id = ?
		ORDER BY (instance = ?) DESC, row_id DESC LIMIT 1`, id, s.instance).Scan(&row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", sessions.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT seq, kind, input, output, error, created_at
		FROM transcript WHERE session_row = ? ORDER BY seq`, row)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.TranscriptEntry{}
	for rows.Next() {
		var e models.TranscriptEntry
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Input, &e.Output, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) row(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	return row, ok
}

func (s *Store) insertEntry(id string, row int64, kind, input, output string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if _, dbErr := s.db.Exec(`INSERT INTO transcript (session_row, kind, input, output, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, row, kind, input, output, msg, time.Now().UTC()); dbErr != nil {
		s.log.Error(dbErr, "failed to record transcript entry", "session", id, "kind", kind)
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

var _ sessions.Observer = (*Store)(nil)
