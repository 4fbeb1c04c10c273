// Package attachments persists files pushed to rooms. Each file lives in
// its own file under the attachments directory, named by file ID, and an
// SQLite index next to it maps file IDs to names and authors. The index is
// loaded into memory on open so lookups never touch the database.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/picochat/picochat/pkg/protocol"
)

// DefaultDir is the directory used when none is configured.
const DefaultDir = "attachments"

const indexFile = "index.db"

var (
	ErrNotFound      = errors.New("attachment not found")
	ErrInvalidFileID = errors.New("invalid file id")
	ErrDuplicate     = errors.New("attachment already exists")
)

var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidFileID reports whether id is usable as an attachment file name.
func ValidFileID(id string) bool {
	return fileIDPattern.MatchString(id)
}

type entry struct {
	meta       *protocol.FileMessage
	compressed bool
}

// Store holds uploaded attachments.
type Store struct {
	dir      string
	compress bool
	index    *index

	mu      sync.RWMutex
	entries map[string]*entry
}

// Open creates dir if needed, opens its index and loads it.
// When compress is set, newly stored files are LZ4-compressed on disk.
// Files stored earlier keep whatever encoding they were written with.
func Open(dir string, compress bool) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}

	ix, err := openIndex(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:      dir,
		compress: compress,
		index:    ix,
		entries:  make(map[string]*entry),
	}

	rows, err := ix.loadAll(context.Background())
	if err != nil {
		ix.close()
		return nil, err
	}
	for _, row := range rows {
		s.entries[row.meta.FileID] = &entry{meta: row.meta, compressed: row.compressed}
	}

	return s, nil
}

// Dir returns the directory attachments are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Len returns the number of stored attachments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Put writes fm.Data under fm.FileID and records its metadata.
// FileSize is taken from the data actually written.
func (s *Store) Put(ctx context.Context, fm *protocol.FileMessage) error {
	if !ValidFileID(fm.FileID) {
		return fmt.Errorf("%w: %q", ErrInvalidFileID, fm.FileID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[fm.FileID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, fm.FileID)
	}

	if err := s.writeFile(fm.FileID, fm.Data); err != nil {
		return err
	}

	meta := fm.Metadata()
	meta.FileSize = int64(len(fm.Data))
	if err := s.index.insert(ctx, meta, s.compress); err != nil {
		os.Remove(s.path(fm.FileID))
		return err
	}

	s.entries[fm.FileID] = &entry{meta: meta, compressed: s.compress}
	return nil
}

// lookup returns the metadata for fileID without reading the file.
func (s *Store) lookup(fileID string) (*protocol.FileMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fileID]
	if !ok {
		return nil, false
	}
	out := *e.meta
	return &out, true
}

// Get returns the metadata and contents of fileID.
func (s *Store) Get(ctx context.Context, fileID string) (*protocol.FileMessage, error) {
	if !ValidFileID(fileID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileID, fileID)
	}

	s.mu.RLock()
	e, ok := s.entries[fileID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}

	data, err := s.readFile(fileID, e.compressed)
	if errors.Is(err, os.ErrNotExist) {
		// Index entry without a file: drop it
		s.mu.Lock()
		delete(s.entries, fileID)
		s.mu.Unlock()
		s.index.delete(ctx, fileID)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	if err != nil {
		return nil, err
	}

	out := *e.meta
	out.Data = data
	return &out, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.index.close()
}

func (s *Store) path(fileID string) string {
	return filepath.Join(s.dir, fileID)
}

// writeFile writes data to a temporary file and renames it into place.
func (s *Store) writeFile(fileID string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+fileID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create attachment file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var zw *lz4.Writer
	if s.compress {
		zw = lz4.NewWriter(tmp)
		w = zw
	}

	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to compress attachment: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write attachment: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(fileID)); err != nil {
		return fmt.Errorf("failed to store attachment: %w", err)
	}
	return nil
}

func (s *Store) readFile(fileID string, compressed bool) ([]byte, error) {
	f, err := os.Open(s.path(fileID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		r = lz4.NewReader(f)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %s: %w", fileID, err)
	}
	return data, nil
}
