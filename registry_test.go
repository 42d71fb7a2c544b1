package agentflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const draftDefinitionYAML = `
name: draft
nodes:
  - name: write
    agent: writer
`

const draftDefinitionV2YAML = `
name: draft
nodes:
  - name: write
    agent: writer
  - name: review
    agent: reviewer
edges:
  - from: write
    to: review
`

func TestRegistryVersions(t *testing.T) {
	r := NewRegistry(nil)

	v1, err := LoadString(draftDefinitionYAML)
	require.NoError(t, err)
	registered := r.Register(v1)
	require.Equal(t, 1, registered.Version())

	again, err := LoadString(draftDefinitionYAML)
	require.NoError(t, err)
	require.Equal(t, 1, r.Register(again).Version(), "unchanged content keeps its version")

	v2, err := LoadString(draftDefinitionV2YAML)
	require.NoError(t, err)
	require.Equal(t, 2, r.Register(v2).Version())

	latest, err := r.Get("draft")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version())
	require.Len(t, latest.Nodes(), 2)

	first, err := r.GetVersion("draft", 1)
	require.NoError(t, err)
	require.Len(t, first.Nodes(), 1)

	_, err = r.GetVersion("draft", 3)
	require.ErrorIs(t, err, ErrDefinitionNotFound)
	_, err = r.Get("missing")
	require.ErrorIs(t, err, ErrDefinitionNotFound)
	require.Equal(t, []string{"draft"}, r.Names())
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft.yaml"), []byte(draftDefinitionYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.yml"), []byte(reviewDefinitionYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	r := NewRegistry(nil)
	require.NoError(t, r.LoadDir(dir))
	require.Equal(t, []string{"contract-review", "draft"}, r.Names())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\n"), 0o644))
	err := r.LoadDir(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken.yaml")
}

func TestRegistryWatch(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx, dir))

	path := filepath.Join(dir, "draft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(draftDefinitionYAML), 0o644))
	require.Eventually(t, func() bool {
		_, err := r.Get("draft")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Invalid content leaves the current version in place
	require.NoError(t, os.WriteFile(path, []byte("name: draft\nnodes: []\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(draftDefinitionV2YAML), 0o644))
	require.Eventually(t, func() bool {
		def, err := r.Get("draft")
		return err == nil && len(def.Edges()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
