// Package quarantine keeps raw messages on disk below one root directory.
//
// Layout: <root>/<YYYY-MM-DD>/<queue id>/<uuid>/message.eml[.zst]. The
// <uuid> directory is the location recorded for the message.
package quarantine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/gozstd"
)

const (
	DirMode  os.FileMode = 0750
	FileMode os.FileMode = 0640

	messageFile           = "message.eml"
	compressedMessageFile = "message.eml.zst"
	unknownQueueID        = "unknown"
)

var (
	ErrNoRoot      = errors.New("quarantine directory does not exist")
	ErrOutsideRoot = errors.New("path is outside the quarantine directory")
	ErrNoMessage   = errors.New("no message in quarantine location")
)

var validQueueID = regexp.MustCompile(`^[A-Za-z0-9]+$`)

type Store struct {
	root     string
	compress bool
	// Now is the clock used for the date directory.
	Now func() time.Time
}

func New(root string, compress bool) *Store {
	// Save hands out paths built from the root, so a relative root would
	// make Delete resolve them twice.
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Store{root: root, compress: compress, Now: time.Now}
}

func (s *Store) Root() string {
	return s.root
}

// Save writes raw below the root and returns the directory holding it.
func (s *Store) Save(queueID string, raw []byte) (string, error) {
	if s.root == "" {
		return "", ErrNoRoot
	}
	st, err := os.Stat(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNoRoot, s.root)
		}
		return "", err
	}
	if !st.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrNoRoot, s.root)
	}

	if !validQueueID.MatchString(queueID) {
		queueID = unknownQueueID
	}
	day := filepath.Join(s.root, s.Now().Format("2006-01-02"))
	qdir := filepath.Join(day, queueID)
	dir := filepath.Join(qdir, uuid.New().String())

	if err := os.MkdirAll(dir, DirMode); err != nil {
		return "", fmt.Errorf("create quarantine directory: %w", err)
	}
	// MkdirAll is subject to the umask
	for _, d := range []string{day, qdir, dir} {
		if err := os.Chmod(d, DirMode); err != nil {
			return "", fmt.Errorf("chmod quarantine directory: %w", err)
		}
	}

	name, data := messageFile, raw
	if s.compress {
		name, data = compressedMessageFile, gozstd.Compress(nil, raw)
	}
	if err := writeFile(filepath.Join(dir, name), data); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func writeFile(path string, data []byte) error {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FileMode)
	if err != nil {
		return fmt.Errorf("create message file: %w", err)
	}
	if _, err := fd.Write(data); err != nil {
		fd.Close()
		return fmt.Errorf("write message file: %w", err)
	}
	if err := fd.Close(); err != nil {
		return fmt.Errorf("close message file: %w", err)
	}
	return nil
}

// Open returns the raw message stored at location.
func (s *Store) Open(location string) ([]byte, error) {
	dir, err := s.contained(location)
	if err != nil {
		return nil, err
	}
	if buf, err := os.ReadFile(filepath.Join(dir, messageFile)); err == nil {
		return buf, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	buf, err := os.ReadFile(filepath.Join(dir, compressedMessageFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoMessage, location)
	}
	if err != nil {
		return nil, err
	}
	return gozstd.Decompress(nil, buf)
}

// Delete removes the directory at path and any parents it leaves empty. It
// refuses paths whose resolved location is not strictly below the root.
// A missing path yields an error matching fs.ErrNotExist.
func (s *Store) Delete(path string) error {
	resolved, err := s.contained(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(resolved); err != nil {
		return fmt.Errorf("remove quarantine directory: %w", err)
	}
	s.prune(filepath.Dir(resolved))
	return nil
}

func (s *Store) prune(dir string) {
	root, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return
	}
	for {
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." || !isBelow(rel) {
			return
		}
		// fails on the first directory that still has entries
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// contained resolves symlinks of both path and root and returns the resolved
// path when it lies below the root.
func (s *Store) contained(path string) (string, error) {
	if s.root == "" {
		return "", ErrNoRoot
	}
	root, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoRoot, err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || !isBelow(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return resolved, nil
}

func isBelow(rel string) bool {
	if rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
