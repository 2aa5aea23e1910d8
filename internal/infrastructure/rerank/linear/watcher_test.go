package linear

import (
	"context"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (l *Loader) cached(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.digests[path]
	return ok
}

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeArtifact(t, dir, validArtifact)

	_, err := loader.Identify(context.Background(), "rerank.yaml")
	require.NoError(t, err)
	require.True(t, loader.cached("rerank.yaml"))

	w, err := NewWatcher(loader, "rerank.yaml", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	writeArtifact(t, dir, validArtifact+"# retrained\n")
	assert.Eventually(t, func() bool { return !loader.cached("rerank.yaml") }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeArtifact(t, dir, validArtifact)
	_, err := loader.Identify(context.Background(), "rerank.yaml")
	require.NoError(t, err)

	w, err := NewWatcher(loader, "rerank.yaml", nil)
	require.NoError(t, err)
	defer w.watcher.Close()

	w.handleEvent(fsnotify.Event{Name: dir + "/notes.txt", Op: fsnotify.Write})
	assert.True(t, loader.cached("rerank.yaml"))

	w.handleEvent(fsnotify.Event{Name: w.target, Op: fsnotify.Chmod})
	assert.True(t, loader.cached("rerank.yaml"))

	w.handleEvent(fsnotify.Event{Name: w.target, Op: fsnotify.Remove})
	assert.False(t, loader.cached("rerank.yaml"))
}
