package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
	"github.com/fankserver/audiotranscriber/internal/pool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingReleaser struct {
	released []pool.BufferID
}

func (r *recordingReleaser) ReleaseResource(owner string, id pool.BufferID, ch pool.Channel) error {
	r.released = append(r.released, id)
	return nil
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.BaseDir = dir
	m, err := New(cfg, nil)
	require.NoError(t, err)
	return m, dir
}

func TestNewCreatesDirectoryLayout(t *testing.T) {
	_, dir := newTestManager(t)
	for _, sub := range []string{
		"recordings/left", "recordings/right", "backup", "emergency_backup", "transcriptions", "archives",
	} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir())
	}
}

func TestWriteCommitsDurablyAndReleasesBuffer(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.BaseDir = dir
	rel := &recordingReleaser{}
	m, err := New(cfg, rel)
	require.NoError(t, err)

	m.Start()
	defer m.Stop()

	payload := []byte("pcm-bytes")
	require.NoError(t, m.Write("recordings/left/seg_1.raw", payload, pool.BufferID(7), pool.ChannelLeft, "signal"))

	require.Eventually(t, func() bool { return m.PendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(dir, "recordings/left/seg_1.raw"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, []pool.BufferID{7}, rel.released)

	snap := m.Metrics()
	assert.Equal(t, uint64(1), snap.Writes)
	assert.Equal(t, uint64(0), snap.WriteErrors)
}

func TestEmergencyFlushDumpsAllPendingJobs(t *testing.T) {
	m, dir := newTestManager(t)
	// No workers started: every write stays pending until the flush.

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Write("recordings/left/pending.raw", []byte{byte(i)}, 0, pool.ChannelLeft, "signal"))
	}
	assert.Equal(t, 3, m.PendingCount())

	report := m.EmergencyFlush(context.Background())
	assert.Equal(t, 3, report.Dumped)
	assert.Equal(t, 0, m.PendingCount())

	entries, err := os.ReadDir(filepath.Join(dir, "emergency_backup"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	seen := map[string]bool{}
	for _, e := range entries {
		assert.False(t, seen[e.Name()], "emergency dump names must be unique")
		seen[e.Name()] = true
	}
}

func TestEmergencyFlushOnEmptyBufferIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	report := m.EmergencyFlush(context.Background())
	assert.Zero(t, report.Dumped)
}

func TestCreateVerifyListBackups(t *testing.T) {
	m, dir := newTestManager(t)

	src := filepath.Join(dir, "recordings", "left", "take.raw")
	require.NoError(t, os.WriteFile(src, []byte("audio-bytes"), 0o644))

	meta, err := m.CreateBackup(src, false)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.False(t, meta.Incremental)
	assert.Equal(t, int64(len("audio-bytes")), meta.SizeBytes)

	// The manifest is published atomically next to the payload.
	_, err = os.Stat(meta.Path + ".json")
	require.NoError(t, err)

	ok, err := m.VerifyBackup(meta.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	list := m.ListBackups()
	require.Len(t, list, 1)
	assert.Equal(t, meta.ID, list[0].ID)
}

func TestBackupRotationDropsOldest(t *testing.T) {
	m, dir := newTestManager(t)

	src := filepath.Join(dir, "recordings", "left", "take.raw")
	require.NoError(t, os.WriteFile(src, []byte("audio-bytes"), 0o644))

	for i := 0; i < 4; i++ {
		_, err := m.CreateBackup(src, i%2 == 0)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond) // distinct timestamps for deterministic ordering
	}

	m.ConfigureBackupRotation(2, 0)
	assert.Len(t, m.ListBackups(), 2)
}

func TestWriteAndVerifyTranscriptRoundTrip(t *testing.T) {
	m, dir := newTestManager(t)

	path, err := m.WriteTranscript("seg_42_left", map[string]any{
		"text":       "hello there",
		"confidence": 0.93,
		"channel":    "left",
	})
	require.NoError(t, err)

	_, err = os.Stat(path + ".crc")
	require.NoError(t, err)

	ok, err := m.VerifyTranscript("seg_42_left")
	require.NoError(t, err)
	assert.True(t, ok)

	// Corrupt the payload; the sidecar must catch it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "transcriptions", "seg_42_left.json"), []byte("tampered"), 0o644))
	ok, err = m.VerifyTranscript("seg_42_left")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiveSessionBundlesFiles(t *testing.T) {
	m, dir := newTestManager(t)

	srcDir := filepath.Join(dir, "recordings", "left")
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.raw"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.raw"), []byte("bbb"), 0o644))

	archive, err := m.ArchiveSession("s1", srcDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "archives", "session_s1.zip"), archive)

	info, err := os.Stat(archive)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestClassifyIOError(t *testing.T) {
	assert.Equal(t, coreerr.IONotFound, ClassifyIOError(os.ErrNotExist))
	assert.Equal(t, coreerr.IOPermissionDenied, ClassifyIOError(os.ErrPermission))
	assert.Equal(t, coreerr.IOOther, ClassifyIOError(assert.AnError))
}
