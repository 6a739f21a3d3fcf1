package env

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Name     string        `env:"BOTFLEET_TEST_NAME" default:"orchestrator"`
	Port     int           `env:"BOTFLEET_TEST_PORT" default:"8081"`
	Debug    bool          `env:"BOTFLEET_TEST_DEBUG"`
	Interval time.Duration `env:"BOTFLEET_TEST_INTERVAL" default:"5s"`
	Ignored  string
}

func TestLoad_Defaults(t *testing.T) {
	cfg := &sampleConfig{}
	require.NoError(t, Load(cfg))

	assert.Equal(t, "orchestrator", cfg.Name)
	assert.Equal(t, 8081, cfg.Port)
	assert.False(t, cfg.Debug)
	assert.Equal(t, 5*time.Second, cfg.Interval)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("BOTFLEET_TEST_NAME", "other")
	t.Setenv("BOTFLEET_TEST_INTERVAL", "1m30s")

	cfg := &sampleConfig{}
	require.NoError(t, Load(cfg))

	assert.Equal(t, "other", cfg.Name)
	assert.Equal(t, 90*time.Second, cfg.Interval)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("BOTFLEET_TEST_PORT", "not-a-number")

	cfg := &sampleConfig{}
	err := Load(cfg)
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "BOTFLEET_TEST_PORT", invalid.EnvVar)
}

func TestLoad_NotStructPointer(t *testing.T) {
	var n int
	err := Load(&n)
	require.Error(t, err)

	var notStruct ErrNotStructPointer
	assert.True(t, errors.As(err, &notStruct))
}

type validatedConfig struct {
	Limit int `env:"BOTFLEET_TEST_LIMIT" default:"0"`
}

func (c *validatedConfig) Validate() error {
	if c.Limit <= 0 {
		return errors.New("limit must be positive")
	}
	return nil
}

type outerConfig struct {
	Nested validatedConfig
}

func TestLoad_NestedValidation(t *testing.T) {
	cfg := &outerConfig{}
	err := Load(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be positive")
}
