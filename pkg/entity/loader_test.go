package entity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDefinition(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoaderLoadAll(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	t.Run("should load valid definitions and skip broken ones", func(t *testing.T) {
		dir := t.TempDir()
		writeDefinition(t, dir, "greeter.json", `{
			"id": "greeter",
			"name": "Greeter",
			"type": "action",
			"status": "active",
			"plan": {"steps": [{"name": "greet", "type": "thought", "prompt_template": "Say hi to {{name}}"}]}
		}`)
		writeDefinition(t, dir, "broken.json", `{"id": "broken", "type": "wizard"}`)
		writeDefinition(t, dir, "notes.txt", "not a definition")

		store := NewMemoryStore()
		loader, err := NewLoader(store, dir, logger)
		require.NoError(t, err)

		loaded, err := loader.LoadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded)

		got, err := store.Get(ctx, "greeter")
		require.NoError(t, err)
		assert.Equal(t, TypeAction, got.Type)
	})

	t.Run("should tolerate a missing directory", func(t *testing.T) {
		loader, err := NewLoader(NewMemoryStore(), filepath.Join(t.TempDir(), "absent"), logger)
		require.NoError(t, err)

		loaded, err := loader.LoadAll(ctx)
		require.NoError(t, err)
		assert.Zero(t, loaded)
	})

	t.Run("should reject definitions violating the schema", func(t *testing.T) {
		dir := t.TempDir()
		writeDefinition(t, dir, "bad-status.json", `{
			"id": "x", "name": "X", "type": "action", "status": "running"
		}`)

		store := NewMemoryStore()
		loader, err := NewLoader(store, dir, logger)
		require.NoError(t, err)

		loaded, err := loader.LoadAll(ctx)
		require.NoError(t, err)
		assert.Zero(t, loaded)

		_, err = store.Get(ctx, "x")
		assert.Error(t, err)
	})
}

func TestLoaderWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	store := NewMemoryStore()
	loader, err := NewLoader(store, dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, loader.Watch(ctx))
	defer loader.Close()

	writeDefinition(t, dir, "late.json", `{
		"id": "late",
		"name": "Late Arrival",
		"type": "action",
		"status": "active",
		"plan": {"steps": [{"name": "go", "type": "thought", "prompt_template": "{{input}}"}]}
	}`)

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "late")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}
