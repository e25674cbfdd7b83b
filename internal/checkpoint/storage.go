// internal/checkpoint/storage.go
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"safemod/internal/contenthash"
)

const (
	metadataFile = "metadata.json"
	blobsDir     = "blobs"
	zstdSuffix   = ".zst"
)

// Storage manages checkpoint persistence. Each checkpoint owns one
// directory holding a metadata record and one blob per backed-up file.
type Storage struct {
	baseDir  string
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder

	// beforeRename runs after a temp file is fully written and before it
	// replaces the target. Tests use it to inject failures.
	beforeRename func(tmpPath string) error
}

// NewStorage creates a new checkpoint storage rooted at baseDir
func NewStorage(baseDir string, compress bool, compressionLevel int) (*Storage, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "checkpoints"), 0755); err != nil {
		return nil, fmt.Errorf("create checkpoints dir: %w", err)
	}

	s := &Storage{baseDir: baseDir, compress: compress}
	if compress {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		s.encoder = encoder
	}
	// Always able to read compressed blobs, even with compression switched off.
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	s.decoder = decoder

	return s, nil
}

// Close releases the compression resources
func (s *Storage) Close() error {
	s.decoder.Close()
	if s.encoder != nil {
		return s.encoder.Close()
	}
	return nil
}

// checkpointsDir returns the directory holding all checkpoints
func (s *Storage) checkpointsDir() string {
	return filepath.Join(s.baseDir, "checkpoints")
}

// checkpointDir returns the directory of one checkpoint
func (s *Storage) checkpointDir(id string) string {
	return filepath.Join(s.checkpointsDir(), id)
}

// blobName derives a blob file name from the content hash and the file's base name
func blobName(hash, path string) string {
	base := strings.Map(func(r rune) rune {
		if r == os.PathSeparator || r == ':' {
			return '_'
		}
		return r
	}, filepath.Base(path))
	return contenthash.Short(hash, 16) + "-" + base
}

// WriteBlob stores a byte-identical copy of content for checkpoint id and
// returns its location. Blobs are content addressed, so writing the same
// content twice yields the same location.
func (s *Storage) WriteBlob(id, path string, content []byte, hash string) (string, bool, error) {
	dir := filepath.Join(s.checkpointDir(id), blobsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, err
	}

	location := filepath.Join(dir, blobName(hash, path))
	data := content
	if s.compress {
		location += zstdSuffix
		data = s.encoder.EncodeAll(content, nil)
	}

	if err := writeFileAtomic(location, data, 0644, s.beforeRename); err != nil {
		return "", false, err
	}
	return location, s.compress, nil
}

// ReadBlob loads the backed-up bytes of f and checks them against OriginalHash
func (s *Storage) ReadBlob(f File) ([]byte, error) {
	data, err := os.ReadFile(f.BackupLocation)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if f.Compressed {
		data, err = s.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress backup: %w", err)
		}
	}
	if got := contenthash.Sum(data); !contenthash.Equal(got, f.OriginalHash) {
		return nil, fmt.Errorf("%w: %s has hash %s, expected %s", ErrBackupCorrupted, f.BackupLocation, got, f.OriginalHash)
	}
	return data, nil
}

// SaveMetadata durably writes the checkpoint record
func (s *Storage) SaveMetadata(cp *Checkpoint) error {
	dir := s.checkpointDir(cp.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	metadataJSON, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metadataFile), metadataJSON, 0644, nil); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads one checkpoint record
func (s *Storage) LoadMetadata(id string) (*Checkpoint, error) {
	metadataJSON, err := os.ReadFile(filepath.Join(s.checkpointDir(id), metadataFile))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(metadataJSON, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &cp, nil
}

// List loads every checkpoint that has a readable metadata record.
// Directories without one are left-overs of interrupted creations.
func (s *Storage) List() ([]*Checkpoint, []string, error) {
	entries, err := os.ReadDir(s.checkpointsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var checkpoints []*Checkpoint
	var orphans []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := s.LoadMetadata(entry.Name())
		if err != nil {
			orphans = append(orphans, entry.Name())
			continue
		}
		checkpoints = append(checkpoints, cp)
	}

	return checkpoints, orphans, nil
}

// RemoveBlobs deletes the backup blobs of cp and returns every failure
func (s *Storage) RemoveBlobs(cp *Checkpoint) []error {
	var errs []error
	for _, f := range cp.Files {
		if err := os.Remove(f.BackupLocation); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errs
}

// RemoveCheckpoint removes the metadata record and then the checkpoint directory
func (s *Storage) RemoveCheckpoint(id string) error {
	dir := s.checkpointDir(id)
	if err := os.Remove(filepath.Join(dir, metadataFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(dir)
}

// GenerateID generates a new checkpoint ID
func GenerateID() string {
	return uuid.New().String()
}

// ErrBackupCorrupted is returned when a blob no longer matches its recorded hash.
var ErrBackupCorrupted = errors.New("backup-corrupted")
