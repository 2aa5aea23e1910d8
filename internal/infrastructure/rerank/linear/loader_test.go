package linear

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/storage/localfs"
)

const validArtifact = `name: scripture-linear
version: 2
weights:
  fused: 0.6
  overlap: 0.3
  bigram: 0.1
  title: 0.1
bias: 0
`

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := localfs.New(dir)
	require.NoError(t, err)
	return NewLoader(store, nil), dir
}

func writeArtifact(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rerank.yaml"), []byte(content), 0o644))
}

func TestLoaderIdentifyAndLoad(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeArtifact(t, dir, validArtifact)
	ctx := context.Background()

	identity, err := loader.Identify(ctx, "rerank.yaml")
	require.NoError(t, err)
	assert.Equal(t, "rerank.yaml", identity.Path)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, identity.Digest)

	model, err := loader.Load(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "scripture-linear@v2", model.Name())
}

func TestLoaderDigestFollowsContent(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeArtifact(t, dir, validArtifact)
	ctx := context.Background()

	first, err := loader.Identify(ctx, "rerank.yaml")
	require.NoError(t, err)

	writeArtifact(t, dir, validArtifact+"# retrained\n")
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "rerank.yaml"), later, later))

	second, err := loader.Identify(ctx, "rerank.yaml")
	require.NoError(t, err)
	assert.NotEqual(t, first.Digest, second.Digest)
}

func TestLoaderRejectsChangedArtifact(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeArtifact(t, dir, validArtifact)
	ctx := context.Background()

	identity, err := loader.Identify(ctx, "rerank.yaml")
	require.NoError(t, err)
	writeArtifact(t, dir, validArtifact+"# swapped\n")

	_, err = loader.Load(ctx, identity)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifact changed")
}

func TestLoaderRejectsInvalidArtifacts(t *testing.T) {
	cases := map[string]string{
		"unknown field": validArtifact + "temperature: 2\n",
		"zero weights":  "name: empty\nweights: {}\n",
		"not yaml":      "name: [unterminated\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			loader, dir := newTestLoader(t)
			writeArtifact(t, dir, content)

			identity, err := loader.Identify(context.Background(), "rerank.yaml")
			require.NoError(t, err)
			_, err = loader.Load(context.Background(), identity)
			require.Error(t, err)
		})
	}
}

func TestLoaderIdentifyMissingArtifact(t *testing.T) {
	loader, _ := newTestLoader(t)
	_, err := loader.Identify(context.Background(), "rerank.yaml")
	require.ErrorIs(t, err, localfs.ErrArtifactNotFound)
}
