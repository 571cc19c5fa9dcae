// Package snapshot persists table contents to disk.
//
// Each table gets one file holding a serialized sequence of entries.
// Files are written to a temp path and renamed into place, so readers
// never observe a partial snapshot. A sha256 trailer detects
// corruption; a corrupted file is reported, never trusted.
package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/authmesh/authmesh-go/internal/cache"
	"github.com/authmesh/authmesh-go/pkg/crypto/seal"
)

// Magic bytes identify snapshot files.
var magicBytes = []byte("AMSHSNAP")

const (
	filePrefix    = "table-"
	fileExtension = ".snap"
	checksumSize  = 32
	headerVersion = 1
)

var (
	ErrInvalidMagic     = errors.New("snapshot: invalid magic bytes")
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	ErrNoSnapshot       = errors.New("snapshot: no snapshot for table")
)

type snapshotHeader struct {
	Version    int    `json:"version"`
	CreatedAt  int64  `json:"created_at"`
	Table      string `json:"table"`
	EntryCount int    `json:"entry_count"`
	Sealed     bool   `json:"sealed"`
}

// Config configures the snapshot manager.
type Config struct {
	// Dir is the directory holding one .snap file per table.
	Dir string

	// Sealer optionally encrypts snapshot payloads at rest.
	Sealer *seal.Sealer

	// Logger for warnings.
	Logger *slog.Logger
}

// Manager reads and writes per-table snapshot files.
type Manager struct {
	cfg Config
}

// NewManager creates a manager and ensures the snapshot directory exists.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg}, nil
}

// Path returns the snapshot file path for a table.
func (m *Manager) Path(table string) string {
	return filepath.Join(m.cfg.Dir, filePrefix+table+fileExtension)
}

// Save writes a table's entries to its snapshot file, atomically
// replacing any previous snapshot.
func (m *Manager) Save(table string, entries []cache.Entry) error {
	tempPath := m.Path(table) + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	defer os.Remove(tempPath)

	hash := sha256.New()
	writer := io.MultiWriter(file, hash)

	if _, err := writer.Write(magicBytes); err != nil {
		file.Close()
		return err
	}

	hdr := snapshotHeader{
		Version:    headerVersion,
		CreatedAt:  time.Now().UnixMilli(),
		Table:      table,
		EntryCount: len(entries),
		Sealed:     m.cfg.Sealer != nil,
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		file.Close()
		return fmt.Errorf("snapshot: marshal header: %w", err)
	}
	if err := writeBlock(writer, hdrJSON); err != nil {
		file.Close()
		return fmt.Errorf("snapshot: write header: %w", err)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		file.Close()
		return fmt.Errorf("snapshot: marshal entries: %w", err)
	}
	if m.cfg.Sealer != nil {
		// The table name as additional data binds the payload to its file.
		data, err = m.cfg.Sealer.Seal(data, []byte(table))
		if err != nil {
			file.Close()
			return fmt.Errorf("snapshot: seal: %w", err)
		}
	}
	if err := writeBlock(writer, data); err != nil {
		file.Close()
		return fmt.Errorf("snapshot: write data: %w", err)
	}

	// Checksum trailer, not included in the hash itself.
	if _, err := file.Write(hash.Sum(nil)); err != nil {
		file.Close()
		return fmt.Errorf("snapshot: write checksum: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	}

	if err := os.Rename(tempPath, m.Path(table)); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load reads a table's entries from its snapshot file.
// Returns ErrNoSnapshot if the table has never been persisted.
func (m *Manager) Load(table string) ([]cache.Entry, error) {
	f, err := os.Open(m.Path(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < int64(len(magicBytes))+checksumSize {
		return nil, ErrChecksumMismatch
	}

	// Verify the trailer before trusting anything.
	dataLen := stat.Size() - checksumSize
	expected := make([]byte, checksumSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, dataLen, checksumSize), expected); err != nil {
		return nil, err
	}
	h := sha256.New()
	if _, err := io.CopyN(h, io.NewSectionReader(f, 0, dataLen), dataLen); err != nil {
		return nil, err
	}
	if !bytes.Equal(h.Sum(nil), expected) {
		return nil, ErrChecksumMismatch
	}

	br := bufio.NewReader(io.NewSectionReader(f, 0, dataLen))

	magic := make([]byte, len(magicBytes))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, magicBytes) {
		return nil, ErrInvalidMagic
	}

	hdrJSON, err := readBlock(br)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read header: %w", err)
	}
	var hdr snapshotHeader
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal header: %w", err)
	}

	data, err := readBlock(br)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read data: %w", err)
	}

	if hdr.Sealed {
		if m.cfg.Sealer == nil {
			return nil, fmt.Errorf("snapshot: file is sealed but no seal key configured")
		}
		data, err = m.cfg.Sealer.Open(data, []byte(table))
		if err != nil {
			return nil, fmt.Errorf("snapshot: open sealed data: %w", err)
		}
	} else if m.cfg.Sealer != nil {
		return nil, fmt.Errorf("snapshot: expected sealed snapshot")
	}

	var entries []cache.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal entries: %w", err)
	}
	return entries, nil
}

// SaveAll persists every table of the engine. Failures are logged per
// table; the first error is returned after all tables are attempted.
func (m *Manager) SaveAll(engine *cache.Engine) error {
	var firstErr error
	for _, cfg := range engine.Tables() {
		entries, err := engine.Entries(cfg.Name)
		if err == nil {
			err = m.Save(cfg.Name, entries)
		}
		if err != nil {
			m.cfg.Logger.Error("failed to persist table snapshot",
				"table", cfg.Name,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func writeBlock(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBlock(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
