package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema validates entity definition files before they reach the
// store. Structural validation beyond this (target/type agreement) happens
// in Entity.Validate.
const definitionSchema = `{
	"type": "object",
	"required": ["id", "name", "type", "status"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"tenant_id": {"type": "string"},
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "integer", "minimum": 0},
		"type": {"enum": ["action", "skill", "agent", "process"]},
		"status": {"enum": ["draft", "active", "deprecated", "archived"]},
		"parent_id": {"type": "string"},
		"persona": {"type": "string"},
		"plan": {
			"type": "object",
			"properties": {
				"steps": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["name", "type"],
						"properties": {
							"id": {"type": "string"},
							"order": {"type": "integer"},
							"name": {"type": "string", "minLength": 1},
							"type": {"enum": ["thought", "tool_call", "child_invocation"]},
							"prompt_template": {"type": "string"},
							"tool_id": {"type": "string"},
							"child_entity_id": {"type": "string"},
							"required": {"type": "boolean"},
							"requires_approval": {"type": "boolean"}
						}
					}
				}
			}
		},
		"governance": {
			"type": "object",
			"properties": {
				"timeout_ms": {"type": "integer", "minimum": 0},
				"max_recursion_depth": {"type": "integer", "minimum": 0},
				"cost_ceiling_usd": {"type": "number", "minimum": 0}
			}
		}
	}
}`

// Loader reads entity definition files from a directory into a Store and
// optionally watches the directory for edits.
type Loader struct {
	store  Store
	dir    string
	schema *gojsonschema.Schema
	logger zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a loader for the given definitions directory
func NewLoader(store Store, dir string, logger zerolog.Logger) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("entity store is required")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(definitionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile definition schema: %w", err)
	}

	return &Loader{
		store:  store,
		dir:    dir,
		schema: schema,
		logger: logger,
	}, nil
}

// LoadAll reads every *.json definition in the directory into the store.
// Individual bad files are skipped with a logged error so one broken
// definition does not take down the rest.
func (l *Loader) LoadAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info().Str("dir", l.dir).Msg("Entity directory does not exist, nothing to load")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read entity directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(ctx, path); err != nil {
			l.logger.Error().Err(err).Str("file", path).Msg("Skipping invalid entity definition")
			continue
		}
		loaded++
	}

	l.logger.Info().Int("loaded", loaded).Str("dir", l.dir).Msg("Entity definitions loaded")
	return loaded, nil
}

// loadFile validates one definition file and stores the entity
func (l *Loader) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read definition: %w", err)
	}

	result, err := l.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate definition: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("definition schema violations: %s", strings.Join(msgs, "; "))
	}

	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("failed to parse definition: %w", err)
	}

	return l.store.Put(ctx, &e)
}

// Watch starts watching the directory and reloads definitions on change.
// It returns immediately; call Close to stop the watcher.
func (l *Loader) Watch(ctx context.Context) error {
	if l.watcher != nil {
		return fmt.Errorf("loader is already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})

	go l.watchLoop(ctx)

	l.logger.Info().Str("dir", l.dir).Msg("Watching entity definitions")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.loadFile(ctx, event.Name); err != nil {
				l.logger.Error().Err(err).Str("file", event.Name).Msg("Reload failed for changed definition")
				continue
			}
			l.logger.Info().Str("file", event.Name).Msg("Entity definition reloaded")

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Entity watcher error")

		case <-ctx.Done():
			return
		}
	}
}

// Close stops the watcher if running
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	l.watcher = nil
	return err
}
