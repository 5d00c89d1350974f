package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/lvdlvd/imgwalk/logger"
)

// applicationID marks a database as an imgwalk case store ("imgw").
const applicationID = 0x696d6777

const schema = `
CREATE TABLE IF NOT EXISTS evidence (
	evidence_id   TEXT PRIMARY KEY,
	case_id       TEXT NOT NULL,
	artifact_type TEXT,
	artifact_name TEXT,
	file_path     TEXT,
	hash_value    TEXT,
	timestamp     TEXT,
	metadata      TEXT
);
CREATE INDEX IF NOT EXISTS evidence_case ON evidence (case_id);
CREATE TABLE IF NOT EXISTS chain_of_custody (
	log_id       TEXT PRIMARY KEY,
	case_id      TEXT NOT NULL,
	action       TEXT,
	performed_by TEXT,
	timestamp    TEXT,
	details      TEXT
);
CREATE INDEX IF NOT EXISTS custody_case ON chain_of_custody (case_id);
`

// SQLite is a Store and AuditLog kept in a single SQLite database. A
// connection is not safe for concurrent use, so every call holds mu.
type SQLite struct {
	mu   sync.Mutex
	conn *sqlite.Conn
	url  string
}

// OpenSQLite opens or creates the case database at url. ":memory:" gives a
// private in-memory database.
func OpenSQLite(url string) (*SQLite, error) {
	if url != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(url), 0750); err != nil {
			return nil, errors.Wrapf(err, "creating directory for %s", url)
		}
	}

	conn, err := sqlite.OpenConn(url, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", url)
	}
	s := &SQLite{conn: conn, url: url}

	id, err := s.pragma("application_id")
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch id {
	case 0:
		if err := sqlitex.ExecTransient(conn, fmt.Sprintf("PRAGMA application_id = %d", applicationID), nil); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "initializing %s", url)
		}
	case applicationID:
	default:
		conn.Close()
		return nil, errors.Errorf("%s: wrong file format (application_id is %d, requires %d)", url, id, applicationID)
	}

	if err := sqlitex.ExecScript(conn, schema); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "creating tables in %s", url)
	}
	logger.WalkLogger.Debug("opened evidence store", "url", url)
	return s, nil
}

func (s *SQLite) pragma(name string) (int64, error) {
	var v int64
	err := sqlitex.ExecTransient(s.conn, "PRAGMA "+name, func(stmt *sqlite.Stmt) error {
		v = stmt.ColumnInt64(0)
		return nil
	})
	return v, errors.Wrapf(err, "reading %s of %s", name, s.url)
}

// Close closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// interruptible runs fn with ctx able to abort the statement in flight.
func (s *SQLite) interruptible(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)
	if err := fn(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), err.Error())
		}
		return err
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// RecordEvidence implements Store.
func (s *SQLite) RecordEvidence(ctx context.Context, e Evidence) (string, error) {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return "", errors.Wrapf(err, "encoding metadata of %s", e.Name)
		}
	}

	id := uuid.New().String()
	err := s.interruptible(ctx, func() error {
		return sqlitex.Exec(s.conn,
			"INSERT INTO evidence (evidence_id, case_id, artifact_type, artifact_name, file_path, hash_value, timestamp, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			nil, id, e.CaseID, e.ArtifactType, e.Name, e.Path, e.Hash, now(), string(meta))
	})
	if err != nil {
		return "", errors.Wrapf(err, "recording evidence %s", e.Name)
	}
	return id, nil
}

// RecordEvent implements AuditLog.
func (s *SQLite) RecordEvent(ctx context.Context, e Event) error {
	err := s.interruptible(ctx, func() error {
		return sqlitex.Exec(s.conn,
			"INSERT INTO chain_of_custody (log_id, case_id, action, performed_by, timestamp, details) VALUES (?, ?, ?, ?, ?, ?)",
			nil, uuid.New().String(), e.CaseID, e.Action, e.Actor, now(), e.Details)
	})
	return errors.Wrapf(err, "recording event %q", e.Action)
}

// Evidence returns the records of caseID in insertion order.
func (s *SQLite) Evidence(ctx context.Context, caseID string) ([]Evidence, error) {
	return s.FindEvidence(ctx, caseID, "", "")
}

// FindEvidence returns the records of caseID whose metadata value at the
// gjson path key equals value, e.g. ("source_path", "DCIM/IMG_0001.JPG").
// An empty key matches every record.
func (s *SQLite) FindEvidence(ctx context.Context, caseID, key, value string) ([]Evidence, error) {
	var out []Evidence
	err := s.interruptible(ctx, func() error {
		return sqlitex.Exec(s.conn,
			"SELECT evidence_id, case_id, artifact_type, artifact_name, file_path, hash_value, timestamp, metadata FROM evidence WHERE case_id = ? ORDER BY rowid",
			func(stmt *sqlite.Stmt) error {
				meta := stmt.GetText("metadata")
				if key != "" && gjson.Get(meta, key).String() != value {
					return nil
				}
				out = append(out, Evidence{
					ID:           stmt.GetText("evidence_id"),
					CaseID:       stmt.GetText("case_id"),
					ArtifactType: stmt.GetText("artifact_type"),
					Name:         stmt.GetText("artifact_name"),
					Path:         stmt.GetText("file_path"),
					Hash:         stmt.GetText("hash_value"),
					Metadata:     decodeMetadata(meta),
					Recorded:     parseTime(stmt.GetText("timestamp")),
				})
				return nil
			}, caseID)
	})
	return out, errors.Wrapf(err, "reading evidence of case %s", caseID)
}

// Events returns the chain of custody of caseID in insertion order.
func (s *SQLite) Events(ctx context.Context, caseID string) ([]Event, error) {
	var out []Event
	err := s.interruptible(ctx, func() error {
		return sqlitex.Exec(s.conn,
			"SELECT log_id, case_id, action, performed_by, timestamp, details FROM chain_of_custody WHERE case_id = ? ORDER BY rowid",
			func(stmt *sqlite.Stmt) error {
				out = append(out, Event{
					ID:       stmt.GetText("log_id"),
					CaseID:   stmt.GetText("case_id"),
					Action:   stmt.GetText("action"),
					Actor:    stmt.GetText("performed_by"),
					Details:  stmt.GetText("details"),
					Recorded: parseTime(stmt.GetText("timestamp")),
				})
				return nil
			}, caseID)
	})
	return out, errors.Wrapf(err, "reading chain of custody of case %s", caseID)
}

func decodeMetadata(raw string) map[string]any {
	m, ok := gjson.Parse(raw).Value().(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil
	}
	return m
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
