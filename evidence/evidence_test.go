package evidence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type volume struct {
	PartitionIndex int
	Filesystem     string
}

type extracted struct {
	SourcePath string
	Size       uint64
	Volume     volume
}

func TestMetadata(t *testing.T) {
	got := Metadata(extracted{SourcePath: "DCIM/IMG_0001.JPG", Size: 3000, Volume: volume{1, "FAT32"}})
	assert.Equal(t, map[string]any{
		"source_path": "DCIM/IMG_0001.JPG",
		"size":        uint64(3000),
		"volume":      map[string]any{"partition_index": 1, "filesystem": "FAT32"},
	}, got)

	assert.Equal(t, map[string]any{"byte_offset": 512}, Metadata(map[string]any{"ByteOffset": 512}))
	assert.Equal(t, uint64(7), Metadata(&extracted{Size: 7})["size"])
	assert.Nil(t, Metadata(nil))
	assert.Nil(t, Metadata("text"))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id, err := m.RecordEvidence(ctx, Evidence{CaseID: "c1", ArtifactType: ArtifactExtractedFile, Name: "a.txt"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = m.RecordEvidence(ctx, Evidence{CaseID: "c2", Name: "b.txt"})
	require.NoError(t, err)
	require.NoError(t, m.RecordEvent(ctx, Event{CaseID: "c1", Action: ActionScan, Actor: "examiner"}))

	ev := m.Evidence("c1")
	require.Len(t, ev, 1)
	assert.Equal(t, id, ev[0].ID)
	assert.False(t, ev[0].Recorded.IsZero())
	require.Len(t, m.Events("c1"), 1)
	assert.Empty(t, m.Events("c2"))

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.RecordEvidence(ctx, Evidence{CaseID: "c1"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(m.RecordEvent(ctx, Event{CaseID: "c1"}), context.Canceled))
}

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()

	first, err := s.RecordEvidence(ctx, Evidence{
		CaseID:       "case-7",
		ArtifactType: ArtifactExtractedFile,
		Name:         "IMG_0001.JPG",
		Path:         "out/IMG_0001.JPG",
		Hash:         "abc123",
		Metadata:     Metadata(extracted{SourcePath: "DCIM/IMG_0001.JPG", Size: 3000}),
	})
	require.NoError(t, err)
	_, err = s.RecordEvidence(ctx, Evidence{
		CaseID:       "case-7",
		ArtifactType: ArtifactExtractedFile,
		Name:         "notes.txt",
		Path:         "out/notes.txt",
		Metadata:     map[string]any{"source_path": "notes.txt"},
	})
	require.NoError(t, err)
	_, err = s.RecordEvidence(ctx, Evidence{CaseID: "other", Name: "x"})
	require.NoError(t, err)

	all, err := s.Evidence(ctx, "case-7")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
	assert.Equal(t, "IMG_0001.JPG", all[0].Name)
	assert.Equal(t, "out/IMG_0001.JPG", all[0].Path)
	assert.Equal(t, "abc123", all[0].Hash)
	assert.Equal(t, ArtifactExtractedFile, all[0].ArtifactType)
	assert.Equal(t, "DCIM/IMG_0001.JPG", all[0].Metadata["source_path"])
	assert.Equal(t, float64(3000), all[0].Metadata["size"])
	assert.Equal(t, "notes.txt", all[1].Name)

	found, err := s.FindEvidence(ctx, "case-7", "source_path", "notes.txt")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "out/notes.txt", found[0].Path)

	found, err = s.FindEvidence(ctx, "case-7", "size", "3000")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, first, found[0].ID)

	none, err := s.Evidence(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteEvents(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()

	for _, action := range []string{ActionScan, ActionMount, ActionExtract} {
		require.NoError(t, s.RecordEvent(ctx, Event{CaseID: "c", Action: action, Actor: "jo", Details: action + " done"}))
	}
	events, err := s.Events(ctx, "c")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ActionScan, events[0].Action)
	assert.Equal(t, ActionExtract, events[2].Action)
	assert.Equal(t, "jo", events[1].Actor)
	assert.Equal(t, "Filesystem Mount done", events[1].Details)
	assert.False(t, events[0].Recorded.IsZero())
	assert.NotEqual(t, events[0].ID, events[1].ID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = s.RecordEvent(cancelled, Event{CaseID: "c", Action: ActionScan})
	assert.True(t, errors.Is(err, context.Canceled))
	events, err = s.Events(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestSQLiteConcurrent(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordEvidence(context.Background(), Evidence{CaseID: "c", Name: "f"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	all, err := s.Evidence(context.Background(), "c")
	require.NoError(t, err)
	assert.Len(t, all, 8)
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	url := filepath.Join(t.TempDir(), "cases", "case.db")

	s, err := OpenSQLite(url)
	require.NoError(t, err)
	_, err = s.RecordEvidence(ctx, Evidence{CaseID: "c", Name: "kept"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(url)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.Evidence(ctx, "c")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "kept", all[0].Name)
	assert.Nil(t, all[0].Metadata)
}

func TestSQLiteForeignDatabase(t *testing.T) {
	url := filepath.Join(t.TempDir(), "other.db")
	conn, err := sqlite.OpenConn(url, 0)
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecTransient(conn, "PRAGMA application_id = 1701602669", nil))
	require.NoError(t, conn.Close())

	_, err = OpenSQLite(url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong file format")
}
