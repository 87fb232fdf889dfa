package files

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultMaxBytes = 10 << 20

var (
	ErrInvalidName = errors.New("files: invalid file name")
	ErrTooLarge    = errors.New("files: file exceeds size limit")
	ErrNoHeader    = errors.New("files: file has no header row")
)

// UploadsDir is the subdirectory of the store that receives user uploads.
// Artifacts offered by the bot live in the store root and are never written
// by an upload.
const UploadsDir = "uploads"

// Store keeps report artifacts in its root directory and user uploads under
// UploadsDir. Names are reduced to a bare base name before touching the
// filesystem.
type Store struct {
	dir      string
	uploads  string
	maxBytes int64
}

// New creates the directories if needed. maxBytes bounds uploads.
func New(dir string, maxBytes int64) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("files: directory must not be empty")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	uploads := filepath.Join(dir, UploadsDir)
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		return nil, fmt.Errorf("files: create directory: %w", err)
	}
	return &Store{dir: dir, uploads: uploads, maxBytes: maxBytes}, nil
}

// SanitizeName validates a declared file name. Only plain base names are
// accepted: no separators, no "." or "..", no control characters.
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", ErrInvalidName
		}
	}
	if filepath.Base(name) != name {
		return "", ErrInvalidName
	}
	return name, nil
}

// Path resolves an artifact name inside the store directory.
func (s *Store) Path(name string) (string, error) {
	return join(s.dir, name)
}

// UploadPath resolves an upload name inside the uploads directory.
func (s *Store) UploadPath(name string) (string, error) {
	return join(s.uploads, name)
}

func join(dir, name string) (string, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, name)
	}
	return filepath.Join(dir, clean), nil
}

// Size returns the byte size of an artifact.
func (s *Store) Size(name string) (int64, error) {
	p, err := s.Path(name)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("files: stat %s: %w", name, err)
	}
	return fi.Size(), nil
}

// Open returns a reader for an artifact together with its size.
func (s *Store) Open(name string) (*os.File, int64, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, fmt.Errorf("files: open %s: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("files: stat %s: %w", name, err)
	}
	return f, fi.Size(), nil
}

// SaveUpload writes r to the uploads directory under name. The content is
// spooled to a temporary file and handed to check, when non-nil, before it
// replaces a previous upload of the same name. If writing or check fails,
// nothing is left on disk and the previous upload is kept. check's error is
// returned unwrapped.
func (s *Store) SaveUpload(name string, r io.Reader, check func(io.Reader) error) (int64, error) {
	p, err := s.UploadPath(name)
	if err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(s.uploads, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("files: create temp: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("files: write %s: %w", name, err)
	}
	if n > s.maxBytes {
		return 0, fmt.Errorf("%w: %s", ErrTooLarge, name)
	}
	if check != nil {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return 0, fmt.Errorf("files: rewind %s: %w", name, err)
		}
		if err := check(tmp); err != nil {
			return 0, err
		}
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("files: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, fmt.Errorf("files: rename %s: %w", name, err)
	}
	return n, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseHeader reads a CSV stream, returning the first record and rejecting
// ragged rows.
func ParseHeader(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("files: parse header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	// FieldsPerRecord is fixed to the header width after the first Read.
	for {
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("files: parse rows: %w", err)
		}
	}
	return header, nil
}
