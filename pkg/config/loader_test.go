package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hubd.yaml"), []byte(contents), 0o644))
	return dir
}

func TestLoad_AppliesDefaultsForOmittedFields(t *testing.T) {
	t.Setenv("HUBD_TICKET_SIGNING_KEY", "test-signing-key")
	dir := writeConfigFile(t, "database:\n  host: db.internal\n  password: ${HUBD_TEST_DB_PASSWORD}\n")
	t.Setenv("HUBD_TEST_DB_PASSWORD", "hunter2")

	cfg, err := Load(t.Context(), dir)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, BackplaneModePostgres, cfg.Backplane.Mode)
	assert.Equal(t, dir, cfg.ConfigDir())
}

func TestLoad_OverridesDefaultsWhenSet(t *testing.T) {
	t.Setenv("HUBD_TICKET_SIGNING_KEY", "test-signing-key")
	dir := writeConfigFile(t, "server:\n  addr: \":9090\"\nbackplane:\n  mode: memory\nconnection:\n  hanging_policy: remove\n")

	cfg, err := Load(t.Context(), dir)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, BackplaneModeMemory, cfg.Backplane.Mode)
	assert.Equal(t, HangingConnectionRemove, cfg.Connection.HangingPolicy)
}

func TestLoad_MissingFileReturnsConfigNotFound(t *testing.T) {
	_, err := Load(t.Context(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoad_InvalidYAMLReturnsInvalidYAML(t *testing.T) {
	dir := writeConfigFile(t, "server: [this is not a map")

	_, err := Load(t.Context(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad_ValidationFailureSurfaces(t *testing.T) {
	dir := writeConfigFile(t, "security:\n  ticket_signing_key_env: HUBD_TEST_UNSET_KEY_XYZ\n")

	_, err := Load(t.Context(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticket_signing_key_env")
}
