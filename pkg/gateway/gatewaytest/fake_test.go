package gatewaytest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/dhis2-sre/dask-k8s/pkg/gateway"
	"github.com/dhis2-sre/dask-k8s/pkg/gateway/gatewaytest"
	"github.com/dhis2-sre/dask-k8s/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ gateway.Gateway = (*gatewaytest.Fake)(nil)

func TestFake(t *testing.T) {
	ctx := context.Background()
	identity := template.Identity{Namespace: "dhlab", ClusterID: "seguin-0"}
	rs, err := template.Build(identity, template.Options{})
	require.NoError(t, err)

	t.Run("ReadySequence", func(t *testing.T) {
		f := gatewaytest.NewFake()
		require.NoError(t, f.CreateDeployment(ctx, rs.WorkerDeployment))
		require.NoError(t, f.PatchDeploymentReplicas(ctx, "dhlab", rs.WorkerDeployment.Name, 3))
		f.SetReadySequence("dhlab", rs.WorkerDeployment.Name, 1, 3)

		var observed []int32
		for range 3 {
			status, err := f.DeploymentStatus(ctx, "dhlab", rs.WorkerDeployment.Name)
			require.NoError(t, err)
			observed = append(observed, status.ReadyReplicas)
		}

		assert.Equal(t, []int32{1, 3, 3}, observed)
		assert.Equal(t, 3, f.StatusCalls())
	})

	t.Run("AddressAfter", func(t *testing.T) {
		f := gatewaytest.NewFake()
		f.AddressAfter = 1
		require.NoError(t, f.CreateService(ctx, rs.SchedulerService))

		_, ok, err := f.ServiceAddress(ctx, "dhlab", rs.SchedulerService.Name)
		require.NoError(t, err)
		assert.False(t, ok)

		address, ok, err := f.ServiceAddress(ctx, "dhlab", rs.SchedulerService.Name)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "192.168.49.2:30786", address.String())
	})

	t.Run("Failures", func(t *testing.T) {
		f := gatewaytest.NewFake()
		f.Fail("create", template.KindService, rs.DashboardService.Name, errors.New("quota exceeded"))

		require.NoError(t, f.CreateService(ctx, rs.SchedulerService))
		assert.ErrorContains(t, f.CreateService(ctx, rs.DashboardService), "quota exceeded")
		assert.True(t, errdef.IsConflict(f.CreateService(ctx, rs.SchedulerService)))
		assert.True(t, errdef.IsNotFound(f.Delete(ctx, template.KindService, "dhlab", rs.DashboardService.Name)))
	})

	t.Run("Actions", func(t *testing.T) {
		f := gatewaytest.NewFake()

		require.NoError(t, f.CreateService(ctx, rs.SchedulerService))
		require.NoError(t, f.CreateDeployment(ctx, rs.SchedulerDeployment))
		assert.Equal(t, []string{"Deployment/dask-scheduler-seguin-0", "Service/dask-scheduler-seguin-0"}, f.Resources(identity))
		require.NoError(t, f.Delete(ctx, template.KindDeployment, "dhlab", rs.SchedulerDeployment.Name))

		assert.Equal(t, []gatewaytest.Action{
			{Verb: "create", Kind: template.KindService, Name: "dask-scheduler-seguin-0"},
			{Verb: "create", Kind: template.KindDeployment, Name: "dask-scheduler-seguin-0"},
			{Verb: "delete", Kind: template.KindDeployment, Name: "dask-scheduler-seguin-0"},
		}, f.Actions())
		assert.Equal(t, []string{"Service/dask-scheduler-seguin-0"}, f.Resources(identity))
	})
}
