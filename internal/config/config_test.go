package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"caseforge/internal/config"
)

func TestLoadAppliesDefaultsWhenEnvUnset(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 48, cfg.BufferMaxAgeHours)
	require.Equal(t, 5, cfg.RetrieveTopK)
	require.Contains(t, cfg.PositiveEmojiSet, "👍")
	require.Equal(t, "en", cfg.LanguageDefault)
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("BUFFER_MAX_MESSAGES", "10")
	t.Setenv("DEDUP_THRESHOLD", "0.5")
	t.Setenv("POSITIVE_EMOJI_SET", "🎉,🔥")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 10, cfg.BufferMaxMessages)
	require.Equal(t, 0.5, cfg.DedupThreshold)
	require.Equal(t, map[string]bool{"🎉": true, "🔥": true}, cfg.PositiveEmojiSet)

	_ = os.Unsetenv("BUFFER_MAX_MESSAGES")
}
