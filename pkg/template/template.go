// Package template builds the Kubernetes resources backing a Dask cluster: a scheduler service, a
// dashboard service, a scheduler deployment and a worker deployment. Building is pure; nothing is
// sent to Kubernetes.
package template

import (
	"fmt"
	"strings"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	DefaultImage = "ghcr.io/dask/dask:2024.12.1"

	PortNameComm      = "tcp-comm"
	PortNameDashboard = "http-dashboard"
	PortComm          = 8786
	PortDashboard     = 8787

	schedulerContainerName = "dask-scheduler"
	workerContainerName    = "dask-worker"
)

// Exposure decides how the scheduler services are reached from outside the cluster.
type Exposure string

const (
	ExposureNodePort     Exposure = "NodePort"
	ExposureLoadBalancer Exposure = "LoadBalancer"
	ExposureClusterIP    Exposure = "ClusterIP"
	// ExposurePortForward renders ClusterIP services which are then reached through a port-forward.
	ExposurePortForward Exposure = "PortForward"
)

var exposures = []Exposure{ExposureNodePort, ExposureLoadBalancer, ExposureClusterIP, ExposurePortForward}

// ParseExposure parses s case-insensitively. An empty s results in [ExposureNodePort].
func ParseExposure(s string) (Exposure, error) {
	if s == "" {
		return ExposureNodePort, nil
	}
	for _, e := range exposures {
		if strings.EqualFold(string(e), s) {
			return e, nil
		}
	}
	return "", errdef.NewValidation("invalid exposure %q, expected one of %v", s, exposures)
}

// ServiceType returns the type of the services rendered for e.
func (e Exposure) ServiceType() corev1.ServiceType {
	switch e {
	case ExposureLoadBalancer:
		return corev1.ServiceTypeLoadBalancer
	case ExposureClusterIP, ExposurePortForward:
		return corev1.ServiceTypeClusterIP
	default:
		return corev1.ServiceTypeNodePort
	}
}

type Options struct {
	// Image used by the scheduler and workers unless overridden. Defaults to DefaultImage.
	Image     string
	Exposure  Exposure
	Scheduler *PodSpecOverride
	Worker    *PodSpecOverride
}

type Kind string

const (
	KindService    Kind = "Service"
	KindDeployment Kind = "Deployment"
)

// Resource is one of the resources of a [ResourceSet]. Exactly one of Service and Deployment is set
// depending on Kind.
type Resource struct {
	Kind       Kind
	Namespace  string
	Name       string
	Service    *corev1.Service
	Deployment *appsv1.Deployment
}

// Key uniquely identifies a resource within a [ResourceSet]. The scheduler service and deployment
// share a name so the kind is part of the key.
func (r Resource) Key() string {
	return string(r.Kind) + "/" + r.Name
}

type ResourceSet struct {
	Identity            Identity
	Exposure            Exposure
	SchedulerService    *corev1.Service
	DashboardService    *corev1.Service
	SchedulerDeployment *appsv1.Deployment
	WorkerDeployment    *appsv1.Deployment
}

// Resources returns services first, then deployments.
func (rs *ResourceSet) Resources() []Resource {
	return []Resource{
		{Kind: KindService, Namespace: rs.Identity.Namespace, Name: rs.SchedulerService.Name, Service: rs.SchedulerService},
		{Kind: KindService, Namespace: rs.Identity.Namespace, Name: rs.DashboardService.Name, Service: rs.DashboardService},
		{Kind: KindDeployment, Namespace: rs.Identity.Namespace, Name: rs.SchedulerDeployment.Name, Deployment: rs.SchedulerDeployment},
		{Kind: KindDeployment, Namespace: rs.Identity.Namespace, Name: rs.WorkerDeployment.Name, Deployment: rs.WorkerDeployment},
	}
}

// Build returns the resources for the cluster of given identity. The worker deployment starts with
// zero replicas.
func Build(identity Identity, opts Options) (*ResourceSet, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Scheduler.Validate(); err != nil {
		return nil, errdef.NewValidation("scheduler: %w", err)
	}
	if err := opts.Worker.Validate(); err != nil {
		return nil, errdef.NewValidation("worker: %w", err)
	}
	exposure, err := ParseExposure(string(opts.Exposure))
	if err != nil {
		return nil, err
	}
	image := opts.Image
	if image == "" {
		image = DefaultImage
	}

	schedulerService := buildService(identity, identity.SchedulerName(), exposure, corev1.ServicePort{
		Name: PortNameComm, Port: PortComm, TargetPort: intstr.FromString(PortNameComm), Protocol: corev1.ProtocolTCP,
	})
	dashboardService := buildService(identity, identity.DashboardName(), exposure, corev1.ServicePort{
		Name: PortNameDashboard, Port: PortDashboard, TargetPort: intstr.FromString(PortNameDashboard), Protocol: corev1.ProtocolTCP,
	})

	schedulerDeployment, err := buildSchedulerDeployment(identity, image, opts.Scheduler)
	if err != nil {
		return nil, err
	}
	workerDeployment, err := buildWorkerDeployment(identity, image, schedulerService, opts.Worker)
	if err != nil {
		return nil, err
	}

	return &ResourceSet{
		Identity:            identity,
		Exposure:            exposure,
		SchedulerService:    schedulerService,
		DashboardService:    dashboardService,
		SchedulerDeployment: schedulerDeployment,
		WorkerDeployment:    workerDeployment,
	}, nil
}

// Return the value of overrides, followed by those values from template where none exists in
// overrides with the same key. Template order is kept so built resources are deterministic.
func replaceByName[T any](template, overrides []T, keyFn func(T) string) []T {
	overridden := make(map[string]struct{}, len(overrides))
	for _, v := range overrides {
		overridden[keyFn(v)] = struct{}{}
	}

	result := make([]T, 0, len(overrides)+len(template))
	result = append(result, overrides...)
	for _, v := range template {
		if _, ok := overridden[keyFn(v)]; !ok {
			result = append(result, v)
		}
	}
	return result
}

// Get a reference to the object from a list where keyFn is true.
func getByKey[T any, K comparable](values []T, keyFn func(T) K, key K) *T {
	for i, v := range values {
		if keyFn(v) == key {
			return &values[i]
		}
	}
	return nil
}

func addProbes(container *corev1.Container) {
	probeTemplate := corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{Port: intstr.FromString(PortNameDashboard), Path: "/health"},
		},
	}
	if container.ReadinessProbe == nil {
		probe := probeTemplate.DeepCopy()
		probe.InitialDelaySeconds = 5
		probe.PeriodSeconds = 10
		container.ReadinessProbe = probe
	}
	if container.LivenessProbe == nil {
		probe := probeTemplate.DeepCopy()
		probe.InitialDelaySeconds = 15
		probe.PeriodSeconds = 20
		container.LivenessProbe = probe
	}
}

func buildService(identity Identity, name string, exposure Exposure, port corev1.ServicePort) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: identity.Namespace,
			Labels:    identity.Labels(RoleScheduler),
		},
		Spec: corev1.ServiceSpec{
			Type:     exposure.ServiceType(),
			Selector: identity.SelectorLabels(RoleScheduler),
			Ports:    []corev1.ServicePort{port},
		},
	}
}

func defaultResources() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("1"),
			corev1.ResourceMemory: resource.MustParse("4G"),
		},
	}
}

func buildSchedulerDeployment(identity Identity, image string, override *PodSpecOverride) (*appsv1.Deployment, error) {
	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{
			{
				Name:            schedulerContainerName,
				Image:           image,
				ImagePullPolicy: corev1.PullIfNotPresent,
				Command:         []string{"dask-scheduler"},
				Args:            []string{"--port", fmt.Sprint(PortComm), "--dashboard-address", fmt.Sprintf(":%d", PortDashboard)},
				Resources:       defaultResources(),
			},
		},
	}
	container := getByKey(podSpec.Containers, func(c corev1.Container) string { return c.Name }, schedulerContainerName)
	override.apply(&podSpec, container)

	podPorts := []corev1.ContainerPort{
		{Name: PortNameComm, ContainerPort: PortComm, Protocol: corev1.ProtocolTCP},
		{Name: PortNameDashboard, ContainerPort: PortDashboard, Protocol: corev1.ProtocolTCP},
	}
	container.Ports = replaceByName(podPorts, container.Ports, func(p corev1.ContainerPort) string { return p.Name })
	podEnv := []corev1.EnvVar{
		{
			// the scheduler HTTP API is disabled by default, see https://github.com/dask/distributed/issues/6407
			Name:  "DASK_DISTRIBUTED__SCHEDULER__HTTP__ROUTES",
			Value: "['distributed.http.scheduler.api','distributed.http.health']",
		},
	}
	container.Env = replaceByName(podEnv, container.Env, func(e corev1.EnvVar) string { return e.Name })
	addProbes(container)

	return buildDeployment(identity, identity.SchedulerName(), RoleScheduler, 1, podSpec), nil
}

func buildWorkerDeployment(identity Identity, image string, scheduler *corev1.Service, override *PodSpecOverride) (*appsv1.Deployment, error) {
	schedulerPort := getByKey(scheduler.Spec.Ports, func(p corev1.ServicePort) string { return p.Name }, PortNameComm)
	if schedulerPort == nil {
		return nil, errdef.NewValidation("scheduler service has no port %q", PortNameComm)
	}

	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{
			{
				Name:            workerContainerName,
				Image:           image,
				ImagePullPolicy: corev1.PullIfNotPresent,
				Command:         []string{"dask-worker"},
				Args: []string{
					"$(DASK_SCHEDULER_ADDRESS)",
					"--nthreads", "1",
					"--memory-limit", "4GB",
					"--death-timeout", "60",
					"--dashboard-address", fmt.Sprintf(":%d", PortDashboard),
				},
				Env: []corev1.EnvVar{
					{Name: "POD_IP", ValueFrom: &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: "status.podIP"}}},
					{Name: "POD_NAME", ValueFrom: &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"}}},
				},
				Resources: func() corev1.ResourceRequirements {
					r := defaultResources()
					r.Limits = r.Requests.DeepCopy()
					return r
				}(),
			},
		},
	}
	container := getByKey(podSpec.Containers, func(c corev1.Container) string { return c.Name }, workerContainerName)
	override.apply(&podSpec, container)

	podPorts := []corev1.ContainerPort{
		{Name: PortNameDashboard, ContainerPort: PortDashboard, Protocol: corev1.ProtocolTCP},
	}
	container.Ports = replaceByName(podPorts, container.Ports, func(p corev1.ContainerPort) string { return p.Name })
	podEnv := []corev1.EnvVar{
		{
			Name:  "DASK_SCHEDULER_ADDRESS",
			Value: fmt.Sprintf("tcp://%s.%s.svc:%d", scheduler.Name, identity.Namespace, schedulerPort.Port),
		},
	}
	container.Env = replaceByName(podEnv, container.Env, func(e corev1.EnvVar) string { return e.Name })
	addProbes(container)

	return buildDeployment(identity, identity.WorkersName(), RoleWorker, 0, podSpec), nil
}

func buildDeployment(identity Identity, name string, role Role, replicas int32, podSpec corev1.PodSpec) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: identity.Namespace,
			Labels:    identity.Labels(role),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: identity.SelectorLabels(role)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: identity.Labels(role)},
				Spec:       podSpec,
			},
		},
	}
}
