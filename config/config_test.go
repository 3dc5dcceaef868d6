package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/config"
	"github.com/warp/referral-engine/referral"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)

	engine, err := cfg.Commission.Engine()
	require.NoError(t, err)
	def := referral.DefaultConfig()
	assert.Equal(t, def.MaxDirectReferrals, engine.MaxDirectReferrals)
	assert.True(t, def.MinPurchaseAmount.Equal(engine.MinPurchaseAmount))
	assert.True(t, def.Level1Percentage.Equal(engine.Level1Percentage))
	assert.True(t, def.Level2Percentage.Equal(engine.Level2Percentage))
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	// GIVEN: A YAML file and an environment override
	path := filepath.Join(t.TempDir(), "referral.yaml")
	yaml := `
server:
  port: 9090
database:
  driver: memory
commission:
  min_amount: "500"
  level1_percentage: "0.10"
reconcile:
  interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("REFERRAL_COMMISSION_LEVEL2_PERCENTAGE", "0.02")
	t.Setenv("REFERRAL_AUTH_ADMIN_TOKEN", "s3cret")

	// WHEN: Loading
	cfg, err := config.Load(path)
	require.NoError(t, err)

	// THEN: File values, environment values and defaults combine
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, "s3cret", cfg.Auth.AdminToken)

	engine, err := cfg.Commission.Engine()
	require.NoError(t, err)
	assert.Equal(t, "500", engine.MinPurchaseAmount.String())
	assert.Equal(t, "0.1", engine.Level1Percentage.String())
	assert.Equal(t, "0.02", engine.Level2Percentage.String())
}

func TestLoad_InvalidRate(t *testing.T) {
	t.Setenv("REFERRAL_COMMISSION_LEVEL1_PERCENTAGE", "1.5")
	_, err := config.Load("")
	assert.Error(t, err)

	t.Setenv("REFERRAL_COMMISSION_LEVEL1_PERCENTAGE", "five")
	_, err = config.Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
