package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	v := viper.New()
	cmd, _, _ := newRootCommand(v)
	require.NoError(t, cmd.ParseFlags(nil))

	cfg, err := loadConfig(v, cmd)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.BindAddress)
	require.Equal(t, 8080, cfg.BindPort)
}

func TestLoadConfigFlagOverride(t *testing.T) {
	v := viper.New()
	cmd, _, _ := newRootCommand(v)
	require.NoError(t, cmd.ParseFlags([]string{"--bind-port=9090", "--root=/srv/game"}))

	cfg, err := loadConfig(v, cmd)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.BindPort)
	require.Equal(t, "/srv/game", cfg.Root)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("AGENT_BIND_PORT", "7777")

	v := viper.New()
	cmd, _, _ := newRootCommand(v)
	require.NoError(t, cmd.ParseFlags(nil))

	cfg, err := loadConfig(v, cmd)
	require.NoError(t, err)
	require.Equal(t, 7777, cfg.BindPort)
}

func TestNewRootCommandBindsCatalogURLFlags(t *testing.T) {
	v := viper.New()
	cmd, catalogURL, modCatalogURL := newRootCommand(v)
	require.NoError(t, cmd.ParseFlags([]string{
		"--catalog-url=https://catalog.internal",
		"--mod-catalog-url=https://mods.internal",
	}))

	require.Equal(t, "https://catalog.internal", *catalogURL)
	require.Equal(t, "https://mods.internal", *modCatalogURL)
}
