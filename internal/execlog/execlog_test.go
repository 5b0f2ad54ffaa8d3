package execlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_AddsNewlineAndKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "exec.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("earlier\n"), 0644))

	l, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, l.Append("first"))
	require.NoError(t, l.Append("second\n"))
	require.NoError(t, l.Append(""))
	require.NoError(t, l.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "earlier\nfirst\nsecond\n", string(b))
}

func TestAppend_ConcurrentEntriesDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.log")
	l, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry := strings.Repeat(fmt.Sprintf("task%02d ", i), 50)
			assert.NoError(t, l.Append(entry))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		fields := strings.Fields(line)
		require.Len(t, fields, 50)
		for _, f := range fields {
			assert.Equal(t, fields[0], f, "entry from one task must be contiguous")
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "exec.log"))
	require.NoError(t, err)

	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
	assert.Error(t, l.Append("after close"))

	var nilLog *Log
	assert.NoError(t, nilLog.Close())
	assert.NoError(t, nilLog.Append("ignored"))
}
