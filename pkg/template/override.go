package template

import (
	"maps"
	"os"
	"slices"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// PodSpecOverride lists the container and pod fields a caller may change in the default scheduler or
// worker pod. Fields left empty keep their default. Env and ports are merged by name with the
// override winning; every other field replaces the default.
type PodSpecOverride struct {
	Image              string                        `json:"image,omitempty"`
	ImagePullPolicy    corev1.PullPolicy             `json:"imagePullPolicy,omitempty"`
	Command            []string                      `json:"command,omitempty"`
	Args               []string                      `json:"args,omitempty"`
	Env                []corev1.EnvVar               `json:"env,omitempty"`
	Ports              []corev1.ContainerPort        `json:"ports,omitempty"`
	Resources          *corev1.ResourceRequirements  `json:"resources,omitempty"`
	VolumeMounts       []corev1.VolumeMount          `json:"volumeMounts,omitempty"`
	NodeSelector       map[string]string             `json:"nodeSelector,omitempty"`
	Tolerations        []corev1.Toleration           `json:"tolerations,omitempty"`
	Affinity           *corev1.Affinity              `json:"affinity,omitempty"`
	ServiceAccountName string                        `json:"serviceAccountName,omitempty"`
	ImagePullSecrets   []corev1.LocalObjectReference `json:"imagePullSecrets,omitempty"`
	Volumes            []corev1.Volume               `json:"volumes,omitempty"`
}

// ParsePodSpecOverride parses a YAML (or JSON) override. Unknown fields, duplicate fields and values
// not matching the field types are rejected.
func ParsePodSpecOverride(data []byte) (*PodSpecOverride, error) {
	var override PodSpecOverride
	if err := yaml.UnmarshalStrict(data, &override); err != nil {
		return nil, errdef.NewValidation("invalid pod spec override: %v", err)
	}

	if err := override.Validate(); err != nil {
		return nil, err
	}

	return &override, nil
}

// LoadPodSpecOverride reads and parses the override stored at path.
func LoadPodSpecOverride(path string) (*PodSpecOverride, error) {
	data, err := os.ReadFile(path) // #nosec
	if err != nil {
		return nil, errdef.NewValidation("failed to read pod spec override %q: %v", path, err)
	}

	override, err := ParsePodSpecOverride(data)
	if err != nil {
		return nil, errdef.NewValidation("pod spec override %q: %w", path, err)
	}
	return override, nil
}

// Validate checks an override can be merged into a default pod spec.
func (o *PodSpecOverride) Validate() error {
	if o == nil {
		return nil
	}

	switch o.ImagePullPolicy {
	case "", corev1.PullAlways, corev1.PullIfNotPresent, corev1.PullNever:
	default:
		return errdef.NewValidation("invalid image pull policy %q", o.ImagePullPolicy)
	}

	for _, env := range o.Env {
		if env.Name == "" {
			return errdef.NewValidation("env entries must have a name")
		}
	}

	for _, port := range o.Ports {
		if port.Name == "" {
			return errdef.NewValidation("port %d must have a name", port.ContainerPort)
		}
		if port.ContainerPort < 1 || port.ContainerPort > 65535 {
			return errdef.NewValidation("port %q has invalid number %d", port.Name, port.ContainerPort)
		}
	}

	for _, mount := range o.VolumeMounts {
		if mount.Name == "" || mount.MountPath == "" {
			return errdef.NewValidation("volume mounts must have a name and a mount path")
		}
	}

	return nil
}

func (o *PodSpecOverride) apply(spec *corev1.PodSpec, container *corev1.Container) {
	if o == nil {
		return
	}
	o = o.deepCopy()

	if o.Image != "" {
		container.Image = o.Image
	}
	if o.ImagePullPolicy != "" {
		container.ImagePullPolicy = o.ImagePullPolicy
	}
	if o.Command != nil {
		container.Command = o.Command
	}
	if o.Args != nil {
		container.Args = o.Args
	}
	if o.Env != nil {
		container.Env = replaceByName(container.Env, o.Env, func(e corev1.EnvVar) string { return e.Name })
	}
	if o.Ports != nil {
		container.Ports = replaceByName(container.Ports, o.Ports, func(p corev1.ContainerPort) string { return p.Name })
	}
	if o.Resources != nil {
		container.Resources = *o.Resources
	}
	if o.VolumeMounts != nil {
		container.VolumeMounts = o.VolumeMounts
	}

	if o.NodeSelector != nil {
		spec.NodeSelector = o.NodeSelector
	}
	if o.Tolerations != nil {
		spec.Tolerations = o.Tolerations
	}
	if o.Affinity != nil {
		spec.Affinity = o.Affinity
	}
	if o.ServiceAccountName != "" {
		spec.ServiceAccountName = o.ServiceAccountName
	}
	if o.ImagePullSecrets != nil {
		spec.ImagePullSecrets = o.ImagePullSecrets
	}
	if o.Volumes != nil {
		spec.Volumes = o.Volumes
	}
}

// deepCopy copies o so applying it never shares slices or pointers between built resources.
func (o *PodSpecOverride) deepCopy() *PodSpecOverride {
	c := *o
	c.Command = slices.Clone(o.Command)
	c.Args = slices.Clone(o.Args)
	c.Env = deepCopySlice(o.Env)
	c.Ports = slices.Clone(o.Ports)
	if o.Resources != nil {
		c.Resources = o.Resources.DeepCopy()
	}
	c.VolumeMounts = deepCopySlice(o.VolumeMounts)
	c.NodeSelector = maps.Clone(o.NodeSelector)
	c.Tolerations = deepCopySlice(o.Tolerations)
	if o.Affinity != nil {
		c.Affinity = o.Affinity.DeepCopy()
	}
	c.ImagePullSecrets = slices.Clone(o.ImagePullSecrets)
	c.Volumes = deepCopySlice(o.Volumes)
	return &c
}

func deepCopySlice[T any, PT interface {
	*T
	DeepCopyInto(*T)
}](s []T) []T {
	if s == nil {
		return nil
	}
	c := make([]T, len(s))
	for i := range s {
		PT(&s[i]).DeepCopyInto(&c[i])
	}
	return c
}
