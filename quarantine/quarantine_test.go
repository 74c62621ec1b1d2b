package quarantine

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var raw = []byte("From: a@x.com\r\nTo: b@y.com\r\nSubject: hi\r\n\r\nbody\r\n")

func newStore(t *testing.T, compress bool) *Store {
	t.Helper()
	s := New(t.TempDir(), compress)
	s.Now = func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) }
	return s
}

func TestSave(t *testing.T) {
	s := newStore(t, false)

	dir, err := s.Save("4XYZ123ABC", raw)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dir, filepath.Join(s.Root(), "2026-10-14", "4XYZ123ABC")+string(filepath.Separator)))

	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, DirMode, st.Mode().Perm())

	fst, err := os.Stat(filepath.Join(dir, messageFile))
	require.NoError(t, err)
	assert.Zero(t, fst.Mode().Perm()&0111)
	assert.Zero(t, fst.Mode().Perm()&0007)

	got, err := s.Open(dir)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	// same queue id twice gets two directories
	dir2, err := s.Save("4XYZ123ABC", raw)
	require.NoError(t, err)
	assert.NotEqual(t, dir, dir2)
}

func TestSaveUnknownQueueID(t *testing.T) {
	s := newStore(t, false)
	for _, qid := range []string{"", "unknown", "../../etc", "A B"} {
		dir, err := s.Save(qid, raw)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(s.Root(), "2026-10-14", "unknown"), filepath.Dir(dir), qid)
	}
}

func TestSaveCompressed(t *testing.T) {
	s := newStore(t, true)
	dir, err := s.Save("ZSTD1", raw)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, compressedMessageFile))
	require.NoError(t, err)

	got, err := s.Open(dir)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestSaveFailures(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing"), false)
	_, err := s.Save("Q1", raw)
	assert.ErrorIs(t, err, ErrNoRoot)

	_, err = New("", false).Save("Q1", raw)
	assert.ErrorIs(t, err, ErrNoRoot)

	if os.Geteuid() != 0 {
		ro := t.TempDir()
		require.NoError(t, os.Chmod(ro, 0500))
		t.Cleanup(func() { os.Chmod(ro, 0700) })
		_, err = New(ro, false).Save("Q1", raw)
		assert.Error(t, err)
	}
}

func TestDeleteInsideRoot(t *testing.T) {
	s := newStore(t, false)
	dir, err := s.Save("DEL1", raw)
	require.NoError(t, err)

	require.NoError(t, s.Delete(dir))
	_, err = os.Stat(dir)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	// empty date and queue id directories are pruned, the root stays
	_, err = os.Stat(filepath.Join(s.Root(), "2026-10-14"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	_, err = os.Stat(s.Root())
	assert.NoError(t, err)

	err = s.Delete(dir)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestDeleteRefusesEscapes(t *testing.T) {
	s := newStore(t, false)
	outside := t.TempDir()
	victim := filepath.Join(outside, "keep")
	require.NoError(t, os.Mkdir(victim, 0750))

	// plain path outside
	assert.ErrorIs(t, s.Delete(victim), ErrOutsideRoot)

	// traversal
	assert.ErrorIs(t, s.Delete(filepath.Join(s.Root(), "..", filepath.Base(outside), "keep")), ErrOutsideRoot)

	// symlink inside the root pointing outside
	link := filepath.Join(s.Root(), "link")
	require.NoError(t, os.Symlink(victim, link))
	assert.ErrorIs(t, s.Delete(link), ErrOutsideRoot)

	// the root itself
	assert.ErrorIs(t, s.Delete(s.Root()), ErrOutsideRoot)

	_, err := os.Stat(victim)
	assert.NoError(t, err)
	_, err = os.Stat(s.Root())
	assert.NoError(t, err)
}

func TestDeleteWithSymlinkedRoot(t *testing.T) {
	target := t.TempDir()
	link := filepath.Join(t.TempDir(), "q")
	require.NoError(t, os.Symlink(target, link))

	s := New(link, false)
	dir, err := s.Save("LNK1", raw)
	require.NoError(t, err)
	require.NoError(t, s.Delete(dir))
}

func TestRelativeRoot(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.Mkdir("q", 0750))

	s := New("q", false)
	assert.True(t, filepath.IsAbs(s.Root()))

	dir, err := s.Save("REL1", raw)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(dir))

	require.NoError(t, s.Delete(dir))
	_, err = os.Stat(dir)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = os.Stat(filepath.Join("q", "q"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
