package zenroll

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Run("defaults are valid and match the component defaults", func(t *testing.T) {
		cfg := DefaultConfig()

		assert.NoError(t, cfg.Validate())
		assert.Equal(t, 3*time.Second, cfg.Enrollment.Phase2Delay)
		assert.Equal(t, 10*time.Second, cfg.Enrollment.Phase2RetryDelay)
		assert.Equal(t, 30*time.Second, cfg.Enrollment.AttemptTimeout)
		assert.Equal(t, 4, cfg.Enrollment.MaxConcurrentEnrichment)
		assert.Equal(t, 3, cfg.Learning.MinSamples)
		assert.Equal(t, 2, cfg.Learning.MinDistinct)
		assert.Equal(t, 15*time.Minute, cfg.Learning.LearningMin)
		assert.Equal(t, 60*time.Minute, cfg.Learning.LearningMax)
		assert.Equal(t, 500*time.Millisecond, cfg.Dedup.Window)
		assert.Empty(t, cfg.Catalog.Path)
		assert.Empty(t, cfg.Rules.Directory)
	})
}

func TestParseConfig(t *testing.T) {
	t.Run("an empty document produces the defaults", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(""))
		require.NoError(t, err)

		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("values in the document override defaults", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
enrollment:
  phase2_delay: 5s
  max_concurrent_enrichment: 2
  prefer_datapoint: true
learning:
  learning_min: 20m
  min_samples: 5
dedup:
  window: 1s
`))
		require.NoError(t, err)

		assert.Equal(t, 5*time.Second, cfg.Enrollment.Phase2Delay)
		assert.Equal(t, 2, cfg.Enrollment.MaxConcurrentEnrichment)
		assert.True(t, cfg.Enrollment.PreferDatapoint)
		assert.Equal(t, 20*time.Minute, cfg.Learning.LearningMin)
		assert.Equal(t, 5, cfg.Learning.MinSamples)
		assert.Equal(t, time.Second, cfg.Dedup.Window)
		assert.Equal(t, 10*time.Second, cfg.Enrollment.Phase2RetryDelay)
	})

	t.Run("environment overrides the document", func(t *testing.T) {
		t.Setenv("ZENROLL_PHASE2_DELAY", "7s")
		t.Setenv("ZENROLL_MIN_SAMPLES", "4")
		t.Setenv("ZENROLL_PREFER_DATAPOINT", "true")
		t.Setenv("ZENROLL_RULES_DIRECTORY", "/etc/zenroll/rules")

		cfg, err := ParseConfig([]byte("enrollment:\n  phase2_delay: 5s\n"))
		require.NoError(t, err)

		assert.Equal(t, 7*time.Second, cfg.Enrollment.Phase2Delay)
		assert.Equal(t, 4, cfg.Learning.MinSamples)
		assert.True(t, cfg.Enrollment.PreferDatapoint)
		assert.Equal(t, "/etc/zenroll/rules", cfg.Rules.Directory)
	})

	t.Run("a malformed environment value fails", func(t *testing.T) {
		t.Setenv("ZENROLL_STALENESS", "soon")

		_, err := ParseConfig([]byte(""))
		assert.Error(t, err)
	})

	t.Run("a learning minimum beyond the maximum fails validation", func(t *testing.T) {
		_, err := ParseConfig([]byte("learning:\n  learning_min: 2h\n  learning_max: 1h\n"))
		assert.Error(t, err)
	})

	t.Run("more distinct values than samples fails validation", func(t *testing.T) {
		_, err := ParseConfig([]byte("learning:\n  min_samples: 2\n  min_distinct: 3\n"))
		assert.Error(t, err)
	})

	t.Run("negative durations fail validation", func(t *testing.T) {
		_, err := ParseConfig([]byte("enrollment:\n  phase2_retry_delay: -1s\n"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml fails", func(t *testing.T) {
		_, err := ParseConfig([]byte("enrollment: ["))
		assert.Error(t, err)
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("loads a file from disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "zenroll.yaml")
		require.NoError(t, os.WriteFile(path, []byte("enrollment:\n  zone_poll_interval: 2m\n"), 0600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 2*time.Minute, cfg.Enrollment.ZonePollInterval)
	})

	t.Run("a missing file fails", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}
