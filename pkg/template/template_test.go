package template

import (
	"testing"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestBuild(t *testing.T) {
	identity := Identity{Namespace: "dhlab", ClusterID: "seguin-0"}

	rs, err := Build(identity, Options{})

	require.NoError(t, err)
	t.Run("Names", func(t *testing.T) {
		assert.Equal(t, "dask-scheduler-seguin-0", rs.SchedulerService.Name)
		assert.Equal(t, "dask-scheduler-seguin-0-dashboard", rs.DashboardService.Name)
		assert.Equal(t, "dask-scheduler-seguin-0", rs.SchedulerDeployment.Name)
		assert.Equal(t, "dask-workers-seguin-0", rs.WorkerDeployment.Name)
		for _, r := range rs.Resources() {
			assert.Equal(t, "dhlab", r.Namespace)
		}
	})

	t.Run("Labels", func(t *testing.T) {
		for _, r := range rs.Resources() {
			var labels map[string]string
			if r.Kind == KindService {
				labels = r.Service.Labels
			} else {
				labels = r.Deployment.Labels
			}
			assert.Equal(t, "seguin-0", labels[LabelUser], r.Key())
			assert.Equal(t, "seguin-0", labels[LabelInstance], r.Key())
			assert.Equal(t, ManagedBy, labels[LabelManagedBy], r.Key())
		}

		selector := map[string]string{"app": "dask-scheduler", "user": "seguin-0"}
		assert.Equal(t, selector, rs.SchedulerService.Spec.Selector)
		assert.Equal(t, selector, rs.DashboardService.Spec.Selector)
		assert.Equal(t, selector, rs.SchedulerDeployment.Spec.Selector.MatchLabels)
		assert.Equal(t, map[string]string{"app": "dask-workers", "user": "seguin-0"}, rs.WorkerDeployment.Spec.Selector.MatchLabels)
		assert.Subset(t, rs.SchedulerDeployment.Spec.Template.Labels, selector)
	})

	t.Run("Replicas", func(t *testing.T) {
		assert.EqualValues(t, 1, *rs.SchedulerDeployment.Spec.Replicas)
		assert.EqualValues(t, 0, *rs.WorkerDeployment.Spec.Replicas)
	})

	t.Run("Services", func(t *testing.T) {
		assert.Equal(t, corev1.ServiceTypeNodePort, rs.SchedulerService.Spec.Type)
		require.Len(t, rs.SchedulerService.Spec.Ports, 1)
		assert.EqualValues(t, 8786, rs.SchedulerService.Spec.Ports[0].Port)
		require.Len(t, rs.DashboardService.Spec.Ports, 1)
		assert.EqualValues(t, 8787, rs.DashboardService.Spec.Ports[0].Port)
	})

	t.Run("WorkerSchedulerAddress", func(t *testing.T) {
		env := envByName(rs.WorkerDeployment.Spec.Template.Spec.Containers[0].Env)
		assert.Equal(t, "tcp://dask-scheduler-seguin-0.dhlab.svc:8786", env["DASK_SCHEDULER_ADDRESS"])
	})

	t.Run("Probes", func(t *testing.T) {
		for _, d := range []*corev1.Container{&rs.SchedulerDeployment.Spec.Template.Spec.Containers[0], &rs.WorkerDeployment.Spec.Template.Spec.Containers[0]} {
			require.NotNil(t, d.ReadinessProbe)
			require.NotNil(t, d.LivenessProbe)
			assert.Equal(t, "/health", d.ReadinessProbe.HTTPGet.Path)
		}
	})
}

func TestBuildIsDeterministic(t *testing.T) {
	identity := Identity{Namespace: "dhlab", ClusterID: "seguin-0"}
	override := &PodSpecOverride{
		Env: []corev1.EnvVar{{Name: "EXTRA_PIP_PACKAGES", Value: "s3fs"}},
	}

	first, err := Build(identity, Options{Worker: override})
	require.NoError(t, err)
	second, err := Build(identity, Options{Worker: override})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuildExposure(t *testing.T) {
	identity := Identity{Namespace: "dhlab", ClusterID: "seguin-0"}
	tests := map[Exposure]corev1.ServiceType{
		"":                   corev1.ServiceTypeNodePort,
		ExposureNodePort:     corev1.ServiceTypeNodePort,
		ExposureLoadBalancer: corev1.ServiceTypeLoadBalancer,
		ExposureClusterIP:    corev1.ServiceTypeClusterIP,
		ExposurePortForward:  corev1.ServiceTypeClusterIP,
		"loadbalancer":       corev1.ServiceTypeLoadBalancer,
	}

	for exposure, want := range tests {
		t.Run(string(exposure), func(t *testing.T) {
			rs, err := Build(identity, Options{Exposure: exposure})

			require.NoError(t, err)
			assert.Equal(t, want, rs.SchedulerService.Spec.Type)
			assert.Equal(t, want, rs.DashboardService.Spec.Type)
		})
	}

	_, err := Build(identity, Options{Exposure: "Ingress"})
	assert.True(t, errdef.IsValidation(err))
}

func TestBuildWithOverride(t *testing.T) {
	identity := Identity{Namespace: "dhlab", ClusterID: "seguin-0"}
	override, err := ParsePodSpecOverride([]byte(`
image: daskdev/dask:custom
env:
  - name: EXTRA_PIP_PACKAGES
    value: s3fs
  - name: POD_IP
    value: overridden
ports:
  - name: http-dashboard
    containerPort: 8788
resources:
  requests:
    cpu: "2"
nodeSelector:
  pool: compute
`))
	require.NoError(t, err)

	rs, err := Build(identity, Options{Worker: override})

	require.NoError(t, err)
	worker := rs.WorkerDeployment
	container := worker.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "daskdev/dask:custom", container.Image)
	env := envByName(container.Env)
	assert.Equal(t, "s3fs", env["EXTRA_PIP_PACKAGES"])
	assert.Equal(t, "overridden", env["POD_IP"], "override should win")
	assert.Contains(t, env, "POD_NAME", "defaults not overridden should be kept")
	assert.Equal(t, "tcp://dask-scheduler-seguin-0.dhlab.svc:8786", env["DASK_SCHEDULER_ADDRESS"], "mandatory env should be added")
	require.Len(t, container.Ports, 1)
	assert.EqualValues(t, 8788, container.Ports[0].ContainerPort)
	assert.True(t, resource.MustParse("2").Equal(container.Resources.Requests[corev1.ResourceCPU]))
	assert.Empty(t, container.Resources.Limits, "resources should be replaced as a whole")
	assert.Equal(t, map[string]string{"pool": "compute"}, worker.Spec.Template.Spec.NodeSelector)

	t.Run("DeploymentMetadataIsKept", func(t *testing.T) {
		assert.Equal(t, "dask-workers-seguin-0", worker.Name)
		assert.EqualValues(t, 0, *worker.Spec.Replicas)
		assert.Equal(t, identity.SelectorLabels(RoleWorker), worker.Spec.Selector.MatchLabels)
	})

	t.Run("SchedulerIsNotAffected", func(t *testing.T) {
		assert.Equal(t, DefaultImage, rs.SchedulerDeployment.Spec.Template.Spec.Containers[0].Image)
		assert.Empty(t, rs.SchedulerDeployment.Spec.Template.Spec.NodeSelector)
	})

	t.Run("OverrideIsNotShared", func(t *testing.T) {
		worker.Spec.Template.Spec.NodeSelector["pool"] = "changed"

		assert.Equal(t, "compute", override.NodeSelector["pool"])
	})
}

func TestBuildRejectsInvalidIdentity(t *testing.T) {
	tests := map[string]Identity{
		"EmptyNamespace":       {Namespace: "", ClusterID: "seguin-0"},
		"EmptyClusterID":       {Namespace: "dhlab", ClusterID: ""},
		"UppercaseNamespace":   {Namespace: "DHLab", ClusterID: "seguin-0"},
		"UppercaseClusterID":   {Namespace: "dhlab", ClusterID: "Seguin"},
		"UnderscoreClusterID":  {Namespace: "dhlab", ClusterID: "seguin_0"},
		"TrailingDashInID":     {Namespace: "dhlab", ClusterID: "seguin-"},
		"ClusterIDTooLongName": {Namespace: "dhlab", ClusterID: "a123456789012345678901234567890123456789"},
	}

	for name, identity := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Build(identity, Options{})

			require.Error(t, err)
			assert.True(t, errdef.IsValidation(err))
		})
	}
}

func TestReplaceByName(t *testing.T) {
	keyFn := func(e corev1.EnvVar) string { return e.Name }
	template := []corev1.EnvVar{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}, {Name: "C", Value: "3"}}
	overrides := []corev1.EnvVar{{Name: "B", Value: "two"}}

	got := replaceByName(template, overrides, keyFn)

	assert.Equal(t, []corev1.EnvVar{{Name: "B", Value: "two"}, {Name: "A", Value: "1"}, {Name: "C", Value: "3"}}, got)
}

func envByName(env []corev1.EnvVar) map[string]string {
	m := make(map[string]string, len(env))
	for _, e := range env {
		m[e.Name] = e.Value
	}
	return m
}
