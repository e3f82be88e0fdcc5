package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/config"
)

type sampleConfig struct {
	Secret   string        `env:"SECRET,required"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"5s"`
	Gateways []string      `env:"GATEWAYS" envSeparator:"," envDefault:"stripe,paddle"`
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("defaults and overrides", func(t *testing.T) {
		t.Parallel()
		var cfg sampleConfig
		err := config.Load(&cfg, config.WithEnvironment(map[string]string{"SECRET": "s3cr3t"}))
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t", cfg.Secret)
		assert.Equal(t, 5*time.Second, cfg.Timeout)
		assert.Equal(t, []string{"stripe", "paddle"}, cfg.Gateways)
	})

	t.Run("prefix", func(t *testing.T) {
		t.Parallel()
		var cfg sampleConfig
		err := config.Load(&cfg,
			config.WithPrefix("BILLING_"),
			config.WithEnvironment(map[string]string{"BILLING_SECRET": "x", "BILLING_TIMEOUT": "1m"}))
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.Timeout)
	})

	t.Run("missing required", func(t *testing.T) {
		t.Parallel()
		var cfg sampleConfig
		err := config.Load(&cfg, config.WithEnvironment(map[string]string{}))
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("nil pointer", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, config.Load[sampleConfig](nil), config.ErrNilPointer)
	})

	t.Run("must load panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() {
			var cfg sampleConfig
			config.MustLoad(&cfg, config.WithEnvironment(map[string]string{}))
		})
	})
}
