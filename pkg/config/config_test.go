package config

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/dhis2-sre/dask-k8s/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		c, err := New()

		require.NoError(t, err)
		assert.Equal(t, "default", c.Cluster.Namespace)
		assert.NotEmpty(t, c.Cluster.ID)
		assert.Equal(t, template.DefaultImage, c.Cluster.Image)
		assert.Equal(t, 2*time.Second, c.Timeouts.EndpointInterval)
		assert.Equal(t, 5*time.Minute, c.Timeouts.EndpointTimeout)
		assert.Equal(t, 5*time.Second, c.Timeouts.ScaleInterval)
		assert.Equal(t, 30*time.Minute, c.Timeouts.ScaleTimeout)
		assert.Zero(t, c.Timeouts.ConnectTimeout, "connecting should retry without limit by default")
		assert.Zero(t, c.Timeouts.ConnectMaxAttempts, "connecting should retry without limit by default")
		assert.NoError(t, c.Validate())
	})

	t.Run("Environment", func(t *testing.T) {
		t.Setenv("DASK_K8S_NAMESPACE", "dhlab")
		t.Setenv("DASK_K8S_CLUSTER_ID", "seguin-0")
		t.Setenv("DASK_K8S_WORKERS", "40")
		t.Setenv("DASK_K8S_SCALE_TIMEOUT", "1h")
		t.Setenv("DASK_K8S_EXPOSURE", "loadbalancer")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_PRETTY", "true")

		c, err := New()

		require.NoError(t, err)
		assert.Equal(t, template.Identity{Namespace: "dhlab", ClusterID: "seguin-0"}, c.Cluster.Identity())
		assert.Equal(t, 40, c.Cluster.Workers)
		assert.Equal(t, time.Hour, c.Timeouts.ScaleTimeout)
		assert.Equal(t, slog.LevelDebug, c.Log.SlogLevel())
		assert.True(t, c.Log.Pretty)
		assert.NoError(t, c.Validate())

		options, err := c.Cluster.TemplateOptions()
		require.NoError(t, err)
		assert.Equal(t, template.ExposureLoadBalancer, options.Exposure)
	})

	t.Run("MalformedEnvironment", func(t *testing.T) {
		t.Setenv("DASK_K8S_WORKERS", "many")
		t.Setenv("DASK_K8S_SCALE_TIMEOUT", "forever")

		_, err := New()

		require.Error(t, err)
		assert.True(t, errdef.IsValidation(err))
		assert.ErrorContains(t, err, "DASK_K8S_WORKERS")
		assert.ErrorContains(t, err, "DASK_K8S_SCALE_TIMEOUT")
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	workerSpec := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(workerSpec, []byte("image: daskdev/dask:custom\n"), 0o600))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cluster:
  namespace: dhlab
  id: seguin-0
  workers: 4
  workerPodSpec: `+workerSpec+`
timeouts:
  scaleInterval: 1s
`), 0o600))
	c, err := New()
	require.NoError(t, err)

	err = c.LoadFile(path)

	require.NoError(t, err)
	assert.Equal(t, "dhlab", c.Cluster.Namespace)
	assert.Equal(t, 4, c.Cluster.Workers)
	assert.Equal(t, time.Second, c.Timeouts.ScaleInterval)
	assert.Equal(t, 5*time.Minute, c.Timeouts.EndpointTimeout, "values missing in the file should be kept")
	require.NoError(t, c.Validate())
	options, err := c.Cluster.TemplateOptions()
	require.NoError(t, err)
	require.NotNil(t, options.Worker)
	assert.Equal(t, "daskdev/dask:custom", options.Worker.Image)
	assert.Nil(t, options.Scheduler)

	t.Run("UnknownField", func(t *testing.T) {
		path := filepath.Join(dir, "unknown.yaml")
		require.NoError(t, os.WriteFile(path, []byte("cluster:\n  name: seguin-0\n"), 0o600))

		err := c.LoadFile(path)

		assert.True(t, errdef.IsValidation(err))
	})

	t.Run("MissingFile", func(t *testing.T) {
		err := c.LoadFile(filepath.Join(dir, "missing.yaml"))

		assert.True(t, errdef.IsValidation(err))
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c, err := New()
		require.NoError(t, err)
		return c
	}

	tests := map[string]func(c *Config){
		"EmptyNamespace":       func(c *Config) { c.Cluster.Namespace = "" },
		"NegativeWorkers":      func(c *Config) { c.Cluster.Workers = -1 },
		"TooManyWorkers":       func(c *Config) { c.Cluster.Workers = math.MaxInt32 + 1 },
		"UnknownExposure":      func(c *Config) { c.Cluster.Exposure = "Ingress" },
		"MissingPodSpec":       func(c *Config) { c.Cluster.WorkerPodSpec = "/does/not/exist.yaml" },
		"ZeroScaleTimeout":     func(c *Config) { c.Timeouts.ScaleTimeout = 0 },
		"ZeroEndpointInterval": func(c *Config) { c.Timeouts.EndpointInterval = 0 },
		"InvalidLogLevel":      func(c *Config) { c.Log.Level = "TRACE" },
		"InvalidListen":        func(c *Config) { c.Listen = "8080" },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)

			err := c.Validate()

			assert.True(t, errdef.IsValidation(err), "got %v", err)
		})
	}

	t.Run("ValidListen", func(t *testing.T) {
		c := valid()
		c.Listen = ":8080"

		assert.NoError(t, c.Validate())
	})
}

func TestDefaultClusterID(t *testing.T) {
	id := DefaultClusterID()

	err := template.Identity{Namespace: "default", ClusterID: id}.Validate()
	assert.NoError(t, err, "default cluster id %q should be usable", id)
}
