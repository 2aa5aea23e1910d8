package linear

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/storage/localfs"
)

const maxArtifactBytes = 1 << 20

type digestEntry struct {
	digest  string
	size    int64
	modTime time.Time
}

// Loader identifies artifacts by content digest. Digests are cached per key
// until the file's size or mtime changes or Invalidate is called.
type Loader struct {
	store  *localfs.Storage
	logger *slog.Logger

	mu      sync.Mutex
	digests map[string]digestEntry
}

var _ ports.RerankModelLoader = (*Loader)(nil)

func NewLoader(store *localfs.Storage, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, logger: logger, digests: make(map[string]digestEntry)}
}

func (l *Loader) Identify(ctx context.Context, path string) (domain.ModelIdentity, error) {
	info, err := l.store.Stat(ctx, path)
	if err != nil {
		return domain.ModelIdentity{}, fmt.Errorf("identify rerank model: %w", err)
	}

	l.mu.Lock()
	entry, ok := l.digests[path]
	l.mu.Unlock()
	if ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return domain.ModelIdentity{Path: path, Digest: entry.digest}, nil
	}

	data, err := l.read(ctx, path)
	if err != nil {
		return domain.ModelIdentity{}, fmt.Errorf("identify rerank model: %w", err)
	}
	digest := digestOf(data)

	l.mu.Lock()
	l.digests[path] = digestEntry{digest: digest, size: info.Size(), modTime: info.ModTime()}
	l.mu.Unlock()
	return domain.ModelIdentity{Path: path, Digest: digest}, nil
}

func (l *Loader) Load(ctx context.Context, identity domain.ModelIdentity) (ports.RerankModel, error) {
	data, err := l.read(ctx, identity.Path)
	if err != nil {
		return nil, fmt.Errorf("load rerank model: %w", err)
	}
	if digest := digestOf(data); digest != identity.Digest {
		l.Invalidate(identity.Path)
		return nil, fmt.Errorf("load rerank model %s: artifact changed (digest %s, want %s)", identity.Path, digest, identity.Digest)
	}

	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode rerank model %s: %w", identity.Path, err)
	}
	return NewModel(spec, identity)
}

// Invalidate drops the cached digest so the next Identify rehashes the file.
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	delete(l.digests, path)
	l.mu.Unlock()
}

func (l *Loader) read(ctx context.Context, path string) ([]byte, error) {
	rc, err := l.store.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxArtifactBytes {
		return nil, fmt.Errorf("read %s: artifact exceeds %d bytes", path, maxArtifactBytes)
	}
	return data, nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
