package projects

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/rulecache/rules"
)

const discountRule = `{"tags": ["pricing"], "default": {"discount": "input.total > 100.0 ? 0.1 : 0.0"}}`

func rulesDir(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func localOptions(t *testing.T, dir string) rules.Options {
	t.Helper()
	src, err := rules.NewLocalSource(dir, zerolog.Nop())
	require.NoError(t, err)
	return rules.Options{Source: src, Logger: zerolog.Nop()}
}

// TestManager_CreateAndGet verifies a created project is initialized and
// retrievable.
func TestManager_CreateAndGet(t *testing.T) {
	m := NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	dir := rulesDir(t, map[string]string{"pricing/discount.json": discountRule})
	engine, err := m.Create(ctx, "acme", localOptions(t, dir))
	require.NoError(t, err)
	assert.True(t, engine.Status().Initialized)
	assert.Equal(t, "acme", engine.Status().ProjectID)

	got, err := m.Get("acme")
	require.NoError(t, err)
	assert.Same(t, engine, got)

	out, err := got.ExecuteOne(ctx, "pricing/discount", map[string]any{"total": 150.0})
	require.NoError(t, err)
	assert.Equal(t, 0.1, out["discount"])

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestManager_CreateDuplicate(t *testing.T) {
	m := NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })
	dir := rulesDir(t, nil)

	_, err := m.Create(context.Background(), "acme", localOptions(t, dir))
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "acme", localOptions(t, dir))
	assert.ErrorIs(t, err, ErrProjectExists)
}

func TestManager_CreateInvalid(t *testing.T) {
	m := NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.Create(context.Background(), "bad id!", localOptions(t, rulesDir(t, nil)))
	assert.ErrorIs(t, err, rules.ErrConfigurationInvalid)

	missing := filepath.Join(t.TempDir(), "missing")
	_, err = m.Create(context.Background(), "acme", localOptions(t, missing))
	assert.ErrorIs(t, err, rules.ErrSourceNotFound)

	assert.Empty(t, m.List(), "failed creations must not be registered")
}

// TestManager_Replace verifies the new engine replaces the old one and that
// a failed rebuild leaves the current engine in place.
func TestManager_Replace(t *testing.T) {
	m := NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	first, err := m.Create(ctx, "acme", localOptions(t, rulesDir(t, map[string]string{"a.json": discountRule})))
	require.NoError(t, err)

	second, err := m.Replace(ctx, "acme", localOptions(t, rulesDir(t, map[string]string{
		"a.json": discountRule,
		"b.json": discountRule,
	})))
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, second.Status().RulesLoaded)

	got, err := m.Get("acme")
	require.NoError(t, err)
	assert.Same(t, second, got)

	_, err = m.Replace(ctx, "acme", localOptions(t, filepath.Join(t.TempDir(), "missing")))
	require.Error(t, err)
	got, err = m.Get("acme")
	require.NoError(t, err)
	assert.Same(t, second, got)

	fresh, err := m.Replace(ctx, "globex", localOptions(t, rulesDir(t, nil)))
	require.NoError(t, err)
	assert.NotNil(t, fresh)
	assert.Equal(t, []string{"acme", "globex"}, m.List())
}

func TestManager_DeleteAndList(t *testing.T) {
	m := NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := m.Create(ctx, id, localOptions(t, rulesDir(t, nil)))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, m.List())

	require.NoError(t, m.Delete("mid"))
	assert.ErrorIs(t, m.Delete("mid"), ErrProjectNotFound)
	assert.Equal(t, []string{"alpha", "zeta"}, m.List())

	require.NoError(t, m.Close())
	assert.Empty(t, m.List())
}

// TestManager_DeleteStopsHotReload verifies deleting a project stops its
// watcher.
func TestManager_DeleteStopsHotReload(t *testing.T) {
	m := NewManager(zerolog.Nop())
	opts := localOptions(t, rulesDir(t, nil))
	opts.HotReload = true

	engine, err := m.Create(context.Background(), "acme", opts)
	require.NoError(t, err)
	assert.True(t, engine.HotReloadActive())

	require.NoError(t, m.Delete("acme"))
	assert.False(t, engine.HotReloadActive())
}

// TestManager_ConcurrentAccess verifies concurrent creation and lookup of
// distinct projects; run with -race.
func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })
	dir := rulesDir(t, map[string]string{"a.json": discountRule})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("project-%d", i)
			_, err := m.Create(context.Background(), id, localOptions(t, dir))
			assert.NoError(t, err)
			_, err = m.Get(id)
			assert.NoError(t, err)
			m.List()
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.List(), 10)
}
