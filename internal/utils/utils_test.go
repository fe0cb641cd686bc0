package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewUlidSorted(t *testing.T) {
	prev := NewUlid()
	for i := 0; i < 100; i++ {
		next := NewUlid()
		assert.Len(t, next, 26)
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "456789", ShortID("0123456789"))
}

func TestFlock(t *testing.T) {
	fs := NewFilesystemExecutor()
	path := filepath.Join(t.TempDir(), "x.lock")

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, fs.Flock(int(f.Fd()), unix.LOCK_EX))
	require.NoError(t, fs.Flock(int(f.Fd()), unix.LOCK_UN))

	_, err = fs.ReadFile(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, fs.IsNotExist(err))
}
