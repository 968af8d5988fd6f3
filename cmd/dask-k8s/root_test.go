package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("DASK_K8S_NAMESPACE", "from-env")
	t.Setenv("DASK_K8S_CLUSTER_ID", "from-env")
	t.Setenv("DASK_K8S_WORKERS", "2")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster:\n  id: from-file\n  exposure: LoadBalancer\n"), 0o600))

	up, _, err := newRootCmd().Find([]string{"up"})
	require.NoError(t, err)
	require.NoError(t, up.ParseFlags([]string{"--config", path, "--workers", "5", "--listen", ":8080", "-n", "from-flag"}))

	cfg, err := loadConfig(up)

	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Cluster.Namespace)
	assert.Equal(t, "from-file", cfg.Cluster.ID)
	assert.Equal(t, "LoadBalancer", cfg.Cluster.Exposure)
	assert.Equal(t, 5, cfg.Cluster.Workers)
	assert.Equal(t, ":8080", cfg.Listen)

	t.Run("Down", func(t *testing.T) {
		down, _, err := newRootCmd().Find([]string{"down"})
		require.NoError(t, err)
		require.NoError(t, down.ParseFlags([]string{"--cluster-id", "seguin-0"}))

		cfg, err := loadConfig(down)

		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Cluster.Namespace)
		assert.Equal(t, "seguin-0", cfg.Cluster.ID)
		assert.Equal(t, 2, cfg.Cluster.Workers)
	})

	t.Run("Invalid", func(t *testing.T) {
		up, _, err := newRootCmd().Find([]string{"up"})
		require.NoError(t, err)
		require.NoError(t, up.ParseFlags([]string{"--exposure", "Ingress"}))

		_, err = loadConfig(up)

		assert.True(t, errdef.IsValidation(err))
	})
}
