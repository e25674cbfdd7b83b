// internal/checkpoint/storage_test.go
package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safemod/internal/contenthash"
)

func TestStorage_BlobRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s, err := NewStorage(t.TempDir(), compress, 3)
		require.NoError(t, err)
		defer s.Close()

		content := []byte("Hello, World!")
		hash := contenthash.Sum(content)

		location, compressed, err := s.WriteBlob("cp-001", "/tmp/hello.txt", content, hash)
		require.NoError(t, err)
		assert.Equal(t, compress, compressed)
		assert.Contains(t, filepath.Base(location), "hello.txt")

		data, err := s.ReadBlob(File{BackupLocation: location, OriginalHash: hash, Compressed: compressed})
		require.NoError(t, err)
		assert.Equal(t, content, data)
	}
}

func TestStorage_ReadBlobDetectsCorruption(t *testing.T) {
	s, err := NewStorage(t.TempDir(), false, 3)
	require.NoError(t, err)
	defer s.Close()

	location, _, err := s.WriteBlob("cp-001", "a.txt", []byte("good"), contenthash.Sum([]byte("good")))
	require.NoError(t, err)

	_, err = s.ReadBlob(File{BackupLocation: location, OriginalHash: contenthash.Sum([]byte("other"))})
	assert.True(t, errors.Is(err, ErrBackupCorrupted))
}

func TestStorage_MetadataAndList(t *testing.T) {
	s, err := NewStorage(t.TempDir(), false, 3)
	require.NoError(t, err)
	defer s.Close()

	cp := &Checkpoint{
		ID:          "cp-001",
		Timestamp:   time.Now(),
		Description: "Test checkpoint",
		Files:       []File{{Path: "/tmp/a.txt", OriginalHash: contenthash.Sum(nil), Size: 0}},
		AbsentFiles: []string{"/tmp/new.txt"},
	}
	require.NoError(t, s.SaveMetadata(cp))
	require.NoError(t, os.MkdirAll(s.checkpointDir("half-written"), 0755))

	loaded, err := s.LoadMetadata("cp-001")
	require.NoError(t, err)
	assert.Equal(t, cp.Description, loaded.Description)
	assert.True(t, cp.Timestamp.Equal(loaded.Timestamp))
	assert.Equal(t, cp.AbsentFiles, loaded.AbsentFiles)

	list, orphans, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cp-001", list[0].ID)
	assert.Equal(t, []string{"half-written"}, orphans)

	require.NoError(t, s.RemoveCheckpoint("cp-001"))
	_, err = s.LoadMetadata("cp-001")
	assert.Error(t, err)
}

func TestWriteFileAtomic_LeavesTargetOnFailure(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0644))

	err := writeFileAtomic(target, []byte("new"), 0644, func(string) error {
		return errors.New("injected")
	})
	require.Error(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, writeFileAtomic(target, []byte("new"), 0600, nil))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRegistry_Ordering(t *testing.T) {
	r := newRegistry()
	now := time.Now()
	for i, id := range []string{"a", "b", "c", "d"} {
		r.put(&Checkpoint{ID: id, Timestamp: now.Add(time.Duration(i) * time.Second)}, false)
	}
	// identical timestamp falls back to insertion order
	r.put(&Checkpoint{ID: "e", Timestamp: now.Add(3 * time.Second)}, false)

	ids := func(cps []*Checkpoint) []string {
		out := make([]string, len(cps))
		for i, cp := range cps {
			out[i] = cp.ID
		}
		return out
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, ids(r.newestFirst()))
	assert.Equal(t, []string{"a", "b"}, r.oldestBeyond(3))
	assert.Nil(t, r.oldestBeyond(10))
	assert.Nil(t, r.oldestBeyond(0))

	r.remove("a")
	assert.Equal(t, 4, r.len())
	_, ok := r.get("a")
	assert.False(t, ok)
}

func TestRegistry_PinnedSkippedByRetention(t *testing.T) {
	r := newRegistry()
	now := time.Now()
	r.put(&Checkpoint{ID: "a", Timestamp: now}, true)
	r.put(&Checkpoint{ID: "b", Timestamp: now.Add(time.Second)}, false)
	r.put(&Checkpoint{ID: "c", Timestamp: now.Add(2 * time.Second)}, true)
	r.put(&Checkpoint{ID: "d", Timestamp: now.Add(3 * time.Second)}, false)

	assert.Equal(t, []string{"b"}, r.oldestBeyond(1))
	assert.Equal(t, []string{"b"}, r.oldestBeyond(2))

	assert.True(t, r.unpin("a"))
	assert.False(t, r.unpin("a"))
	assert.Equal(t, []string{"a", "b"}, r.oldestBeyond(1))

	// the newest checkpoint is kept even when everything older is pinned
	r.remove("a")
	r.remove("b")
	assert.Empty(t, r.oldestBeyond(1))
}
