package logtail

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastMissingFile(t *testing.T) {
	lines, size, err := Last(filepath.Join(t.TempDir(), "nope.log"), 10)
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Zero(t, size)
}

func TestLastReturnsTrailingLines(t *testing.T) {
	p := filepath.Join(t.TempDir(), "svc.log")
	require.NoError(t, os.WriteFile(p, []byte("one\ntwo\nthree\nfour\n"), 0o600))

	lines, size, err := Last(p, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, lines)
	assert.Equal(t, int64(19), size)

	lines, _, err = Last(p, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "four"}, lines)

	lines, _, err = Last(p, 0)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestLastAcrossChunks(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.log")
	var b strings.Builder
	for i := 0; i < 20000; i++ {
		fmt.Fprintf(&b, "line-%05d\n", i)
	}
	require.NoError(t, os.WriteFile(p, []byte(b.String()), 0o600))

	lines, _, err := Last(p, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"line-19997", "line-19998", "line-19999"}, lines)
}

func TestLastWithoutTrailingNewline(t *testing.T) {
	p := filepath.Join(t.TempDir(), "svc.log")
	require.NoError(t, os.WriteFile(p, []byte("a\nb"), 0o600))
	lines, _, err := Last(p, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, lines)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestFollowStreamsAppends(t *testing.T) {
	p := filepath.Join(t.TempDir(), "svc.log")
	require.NoError(t, os.WriteFile(p, []byte("old\n"), 0o600))
	_, size, err := Last(p, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, p, size, out) }()

	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("new-1\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "new-1") }, 5*time.Second, 20*time.Millisecond)
	_, err = f.WriteString("new-2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "new-2") }, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.NotContains(t, out.String(), "old")
}

func TestFollowPicksUpCreatedFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "later.log")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	go func() { _ = Follow(ctx, p, 0, out) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte("hello\n"), 0o600))
	require.Eventually(t, func() bool { return out.String() == "hello\n" }, 5*time.Second, 20*time.Millisecond)
}

func TestFollowMissingDirectory(t *testing.T) {
	err := Follow(context.Background(), filepath.Join(t.TempDir(), "no", "dir", "x.log"), 0, &bytes.Buffer{})
	assert.Error(t, err)
}
