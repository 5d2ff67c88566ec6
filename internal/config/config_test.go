package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	require.Equal(t, 100, cfg.SummaryThreshold)
	require.Equal(t, 50, cfg.SummaryTailSize)
	require.Equal(t, 10*time.Minute, cfg.PollInterval)
	require.Equal(t, 10*time.Minute, cfg.PollLookback)
	require.Equal(t, 60*time.Second, cfg.LLMTimeout)
	require.Equal(t, ProviderOpenAI, cfg.LLMProvider)
	require.True(t, cfg.SummarizationEnabled())
}

func TestNew_FromEnv(t *testing.T) {
	t.Setenv("SUMMARY_THRESHOLD", "20")
	t.Setenv("SUMMARY_TAIL_SIZE", "5")
	t.Setenv("IMPORTANT_POLL_INTERVAL", "30s")
	t.Setenv("DRAFT_CACHE", "redis")

	cfg, err := New()
	require.NoError(t, err)
	require.Equal(t, 20, cfg.SummaryThreshold)
	require.Equal(t, 5, cfg.SummaryTailSize)
	require.Equal(t, 30*time.Second, cfg.PollInterval)
	require.Equal(t, DraftCacheRedis, cfg.DraftCache)
}

func TestValidate(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	bad := *cfg
	bad.SummaryTailSize = bad.SummaryThreshold
	require.Error(t, bad.Validate())

	disabled := *cfg
	disabled.SummaryThreshold = 0
	disabled.SummaryTailSize = 0
	require.NoError(t, disabled.Validate())
	require.False(t, disabled.SummarizationEnabled())

	bad = *cfg
	bad.InboxBackend = "imap"
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.PollInterval = 0
	require.Error(t, bad.Validate())
}

func TestLoad_ReadsDotenvWithoutOverriding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("INBOX_USER_ID=from-file\nHTTP_ADDR=:9999\n"), 0o600))
	t.Setenv("HTTP_ADDR", ":7000")
	t.Cleanup(func() { _ = os.Unsetenv("INBOX_USER_ID") })

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.InboxUserID)
	require.Equal(t, ":7000", cfg.HTTPAddr)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}
