package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserhub/internal/region"
	"github.com/shehryarbajwa/browserhub/internal/session"
)

func TestDefaultsMatchComponentDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "info", cfg.Logging().Level)
	assert.Equal(t, session.DefaultConfig(), cfg.SessionConfig())
	assert.Equal(t, []region.Region{region.RegionUSWest2, region.RegionUSEast1, region.RegionEUCentral1}, cfg.Regions())
	assert.Equal(t, 5*time.Minute, cfg.EventsConfig().MaxDuration)
	assert.Equal(t, 600, cfg.Rate.PerHour)
	assert.Equal(t, "localhost", cfg.Browser.PublishHost)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load([]string{
		"--addr=:9090",
		"--session-idle-timeout=2m",
		"--no-session-expire-while-viewing",
		"--browser-regions=eu-central-1",
		"--queue-command-timeout=10s",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	s := cfg.SessionConfig()
	assert.Equal(t, 2*time.Minute, s.IdleTimeout)
	assert.False(t, s.ExpireWhileViewing)
	assert.Equal(t, []region.Region{region.RegionEUCentral1}, cfg.Regions())
	assert.Equal(t, 10*time.Second, cfg.QueueConfig().CommandTimeout)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("STORE_URL", "redis://redis:6379/2")
	t.Setenv("LOCK_MAX_WAIT", "5s")
	t.Setenv("SESSION_EXPIRE_WHILE_VIEWING", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "redis://redis:6379/2", cfg.StoreConfig().URL)
	assert.Equal(t, 5*time.Second, cfg.LockConfig().MaxWait)
	assert.False(t, cfg.SessionConfig().ExpireWhileViewing)
	assert.Equal(t, "debug", cfg.Logging().Level)
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := Load([]string{"--log-level=loud"})
	assert.Error(t, err)
}

func TestPublishHost(t *testing.T) {
	t.Setenv("BROWSER_PUBLISH_HOST", "browsers.internal")
	// the daemon address is read by the docker client, never used for browser urls
	t.Setenv("BROWSER_DOCKER_HOST", "tcp://docker:2376")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "browsers.internal", cfg.Browser.PublishHost)

	_, err = Load([]string{"--browser-publish-host=tcp://docker:2376"})
	assert.ErrorContains(t, err, "bare host name")
}
