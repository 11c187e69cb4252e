package scheduler

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd(t *testing.T) {
	s := New(nil, zerolog.Nop())

	t.Run("should accept valid cron expressions", func(t *testing.T) {
		require.NoError(t, s.Add(Schedule{EntityID: "daily-digest", Cron: "0 9 * * *"}))
		assert.Equal(t, 1, s.Count())
	})

	t.Run("should reject malformed expressions", func(t *testing.T) {
		err := s.Add(Schedule{EntityID: "broken", Cron: "not a cron"})
		assert.ErrorContains(t, err, "invalid cron expression")
	})

	t.Run("should require an entity id", func(t *testing.T) {
		err := s.Add(Schedule{Cron: "* * * * *"})
		assert.ErrorContains(t, err, "entity id")
	})

	t.Run("should require a cron expression", func(t *testing.T) {
		err := s.Add(Schedule{EntityID: "e"})
		assert.ErrorContains(t, err, "cron expression")
	})
}
