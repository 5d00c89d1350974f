// Package evidence records what a browsing session found and did: one
// evidence row per extracted artifact and one chain-of-custody event per
// scan, mount and extraction.
package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/fatih/structs"
	"github.com/google/uuid"
	strcase "github.com/stoewer/go-strcase"
)

// ArtifactExtractedFile is the artifact type of a file copied out of an image.
const ArtifactExtractedFile = "Extracted File"

// ArtifactDiskRegion is the artifact type of a raw byte range copied out of
// an image: a partition, an unallocated gap or a volume's free space.
const ArtifactDiskRegion = "Disk Region"

// Audit actions.
const (
	ActionScan           = "Partition Scan"
	ActionMount          = "Filesystem Mount"
	ActionExtract        = "File Extracted"
	ActionExtractFailure = "Extraction Failed"
)

// Evidence is one recorded artifact. ID and Recorded are assigned by the
// store.
type Evidence struct {
	ID           string
	CaseID       string
	ArtifactType string
	Name         string
	Path         string
	Hash         string
	Metadata     map[string]any
	Recorded     time.Time
}

// Event is one chain-of-custody entry.
type Event struct {
	ID       string
	CaseID   string
	Action   string
	Actor    string
	Details  string
	Recorded time.Time
}

// Store keeps evidence records.
type Store interface {
	RecordEvidence(ctx context.Context, e Evidence) (string, error)
}

// AuditLog keeps the chain of custody.
type AuditLog interface {
	RecordEvent(ctx context.Context, e Event) error
}

// Metadata turns a struct into a metadata map with snake_case keys, nested
// structs included. Maps are copied with their keys converted; anything
// else yields nil.
func Metadata(v any) map[string]any {
	var m map[string]interface{}
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		m = x
	default:
		if !structs.IsStruct(v) {
			return nil
		}
		m = structs.Map(v)
	}

	out := make(map[string]any, len(m))
	for k, val := range m {
		if nested, ok := val.(map[string]interface{}); ok {
			val = Metadata(nested)
		}
		out[strcase.SnakeCase(k)] = val
	}
	return out
}

// Memory is a Store and AuditLog held in memory, for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	evidence []Evidence
	events   []Event
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// RecordEvidence implements Store.
func (m *Memory) RecordEvidence(ctx context.Context, e Evidence) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New().String()
	e.Recorded = time.Now().UTC()
	m.evidence = append(m.evidence, e)
	return e.ID, nil
}

// RecordEvent implements AuditLog.
func (m *Memory) RecordEvent(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New().String()
	e.Recorded = time.Now().UTC()
	m.events = append(m.events, e)
	return nil
}

// Evidence returns the records of caseID in insertion order.
func (m *Memory) Evidence(caseID string) []Evidence {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Evidence
	for _, e := range m.evidence {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	return out
}

// Events returns the chain of custody of caseID in insertion order.
func (m *Memory) Events(caseID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Store    = (*Memory)(nil)
	_ AuditLog = (*Memory)(nil)
	_ Store    = (*SQLite)(nil)
	_ AuditLog = (*SQLite)(nil)
)
