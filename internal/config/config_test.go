package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TillFleisch/TrixelManagementService/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := config.Default()
	cfg.MaxLevel = 0
	assert.Error(t, cfg.Validate())

	cfg.MaxLevel = 25
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadSmoothingFactor(t *testing.T) {
	cfg := config.Default()
	pc := cfg.PrivatizerConfig[1]
	pc.Kind = config.PrivatizerSmoothingAverage
	pc.Smoothing.LocalSmoothFactor = 1.5
	cfg.PrivatizerConfig[1] = pc
	assert.Error(t, cfg.Validate())
}

func TestSaveUpdatesSnapshotImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_level: 10\ntrixel_update_frequency: 30s\n"), 0o600))

	w, err := config.Load(path)
	require.NoError(t, err)
	defer w.Close()

	cfg := w.Get()
	id := int64(42)
	cfg.Identity.ID = &id
	cfg.Identity.Token = "issued-token"
	require.NoError(t, w.Save(cfg))

	// No waiting on the filesystem watch: the saved identity must be
	// visible to the very next Get.
	got := w.Get()
	require.NotNil(t, got.Identity.ID)
	assert.Equal(t, id, *got.Identity.ID)
	assert.Equal(t, "issued-token", got.Identity.Token)
}

func TestLoadAndHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_level: 10\ntrixel_update_frequency: 30s\n"), 0o600))

	w, err := config.Load(path)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 10, w.Get().MaxLevel)

	require.NoError(t, os.WriteFile(path, []byte("max_level: 12\ntrixel_update_frequency: 30s\n"), 0o600))

	require.Eventually(t, func() bool {
		return w.Get().MaxLevel == 12
	}, 2*time.Second, 10*time.Millisecond)
}
