// Package config configures dask-k8s from environment variables and an optional YAML file. Values
// from the file take precedence over the environment; command line flags are applied by the caller
// afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/dhis2-sre/dask-k8s/pkg/template"
	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Cluster        Cluster    `yaml:"cluster"`
	Kubernetes     Kubernetes `yaml:"kubernetes"`
	Timeouts       Timeouts   `yaml:"timeouts"`
	Log            Log        `yaml:"log"`
	Listen         string     `yaml:"listen" validate:"omitempty,hostname_port"`
	BasePath       string     `yaml:"basePath"`
	JaegerEndpoint string     `yaml:"jaegerEndpoint" validate:"omitempty,url"`
}

type Cluster struct {
	Namespace string `yaml:"namespace" validate:"required"`
	ID        string `yaml:"id" validate:"required"`
	Image     string `yaml:"image"`
	Exposure  string `yaml:"exposure" validate:"exposure"`
	Workers   int    `yaml:"workers" validate:"gte=0,lte=2147483647"`
	// SchedulerPodSpec and WorkerPodSpec are paths to YAML pod spec overrides.
	SchedulerPodSpec string `yaml:"schedulerPodSpec" validate:"omitempty,file"`
	WorkerPodSpec    string `yaml:"workerPodSpec" validate:"omitempty,file"`
}

// Identity returns the identity of the configured cluster.
func (c Cluster) Identity() template.Identity {
	return template.Identity{Namespace: c.Namespace, ClusterID: c.ID}
}

// TemplateOptions loads the configured pod spec overrides and returns the options to build the
// cluster resources with.
func (c Cluster) TemplateOptions() (template.Options, error) {
	exposure, err := template.ParseExposure(c.Exposure)
	if err != nil {
		return template.Options{}, err
	}
	options := template.Options{Image: c.Image, Exposure: exposure}

	if c.SchedulerPodSpec != "" {
		options.Scheduler, err = template.LoadPodSpecOverride(c.SchedulerPodSpec)
		if err != nil {
			return template.Options{}, err
		}
	}
	if c.WorkerPodSpec != "" {
		options.Worker, err = template.LoadPodSpecOverride(c.WorkerPodSpec)
		if err != nil {
			return template.Options{}, err
		}
	}

	return options, nil
}

type Kubernetes struct {
	// Kubeconfig is the path to a kubeconfig which may be encrypted using sops. The default loading
	// rules (KUBECONFIG, ~/.kube/config) are used if empty.
	Kubeconfig string `yaml:"kubeconfig"`
	Context    string `yaml:"context"`
}

type Timeouts struct {
	EndpointInterval time.Duration `yaml:"endpointInterval" validate:"gt=0"`
	EndpointTimeout  time.Duration `yaml:"endpointTimeout" validate:"gt=0"`
	ScaleInterval    time.Duration `yaml:"scaleInterval" validate:"gt=0"`
	ScaleTimeout     time.Duration `yaml:"scaleTimeout" validate:"gt=0"`
	ConnectInterval  time.Duration `yaml:"connectInterval" validate:"gt=0"`
	// ConnectTimeout and ConnectMaxAttempts of zero retry connecting to the scheduler until the
	// context is cancelled.
	ConnectTimeout     time.Duration `yaml:"connectTimeout" validate:"gte=0"`
	ConnectMaxAttempts int           `yaml:"connectMaxAttempts" validate:"gte=0"`
	DialTimeout        time.Duration `yaml:"dialTimeout" validate:"gt=0"`
	// CloseTimeout bounds the deletion of resources on close and on rollback of a failed create.
	CloseTimeout time.Duration `yaml:"closeTimeout" validate:"gt=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// SlogLevel returns the configured level as a [slog.Level].
func (l Log) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// New returns the configuration from environment variables falling back to defaults.
func New() (Config, error) {
	var errs []error
	lookupInt := func(key string, fallback int) int {
		v, err := lookupEnvAsInt(key, fallback)
		errs = append(errs, err)
		return v
	}
	lookupDuration := func(key string, fallback time.Duration) time.Duration {
		v, err := lookupEnvAsDuration(key, fallback)
		errs = append(errs, err)
		return v
	}
	lookupBool := func(key string, fallback bool) bool {
		v, err := lookupEnvAsBool(key, fallback)
		errs = append(errs, err)
		return v
	}

	c := Config{
		Cluster: Cluster{
			Namespace:        lookupEnv("DASK_K8S_NAMESPACE", "default"),
			ID:               lookupEnv("DASK_K8S_CLUSTER_ID", DefaultClusterID()),
			Image:            lookupEnv("DASK_K8S_IMAGE", template.DefaultImage),
			Exposure:         lookupEnv("DASK_K8S_EXPOSURE", string(template.ExposureNodePort)),
			Workers:          lookupInt("DASK_K8S_WORKERS", 0),
			SchedulerPodSpec: lookupEnv("DASK_K8S_SCHEDULER_POD_SPEC", ""),
			WorkerPodSpec:    lookupEnv("DASK_K8S_WORKER_POD_SPEC", ""),
		},
		Kubernetes: Kubernetes{
			Kubeconfig: lookupEnv("DASK_K8S_KUBECONFIG", ""),
			Context:    lookupEnv("DASK_K8S_KUBE_CONTEXT", ""),
		},
		Timeouts: Timeouts{
			EndpointInterval:   lookupDuration("DASK_K8S_ENDPOINT_INTERVAL", 2*time.Second),
			EndpointTimeout:    lookupDuration("DASK_K8S_ENDPOINT_TIMEOUT", 5*time.Minute),
			ScaleInterval:      lookupDuration("DASK_K8S_SCALE_INTERVAL", 5*time.Second),
			ScaleTimeout:       lookupDuration("DASK_K8S_SCALE_TIMEOUT", 30*time.Minute),
			ConnectInterval:    lookupDuration("DASK_K8S_CONNECT_INTERVAL", 2*time.Second),
			ConnectTimeout:     lookupDuration("DASK_K8S_CONNECT_TIMEOUT", 0),
			ConnectMaxAttempts: lookupInt("DASK_K8S_CONNECT_MAX_ATTEMPTS", 0),
			DialTimeout:        lookupDuration("DASK_K8S_DIAL_TIMEOUT", 10*time.Second),
			CloseTimeout:       lookupDuration("DASK_K8S_CLOSE_TIMEOUT", time.Minute),
		},
		Log: Log{
			Level:  lookupEnv("LOG_LEVEL", "INFO"),
			Pretty: lookupBool("LOG_PRETTY", false),
		},
		Listen:         lookupEnv("DASK_K8S_LISTEN", ""),
		BasePath:       lookupEnv("BASE_PATH", ""),
		JaegerEndpoint: lookupEnv("JAEGER_ENDPOINT", ""),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, errdef.NewValidation("invalid environment: %w", err)
	}
	return c, nil
}

// LoadFile overrides c with the values set in the YAML file at path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec
	if err != nil {
		return errdef.NewValidation("failed to read config %q: %v", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return errdef.NewValidation("failed to parse config %q: %v", path, err)
	}

	return nil
}

// Validate returns a validation error describing every invalid field.
func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("exposure", exposure); err != nil {
		return fmt.Errorf("failed to register validation: %v", err)
	}

	if err := validate.Struct(c); err != nil {
		return errdef.NewValidation("invalid configuration: %v", err)
	}
	return nil
}

func exposure(fl validator.FieldLevel) bool {
	_, err := template.ParseExposure(fl.Field().String())
	return err == nil
}

// DefaultClusterID derives a cluster id from the name of the current OS user so clusters of
// different users sharing a namespace do not collide.
func DefaultClusterID() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "dask"
	}

	// Windows user names are prefixed by the domain
	name := u.Username
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}

	id := slug.Make(name)
	if id == "" {
		return "dask"
	}
	return id
}

func lookupEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func lookupEnvAsInt(key string, fallback int) (int, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("can't parse %s as integer: %v", key, err)
	}
	return value, nil
}

func lookupEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("can't parse %s as duration: %v", key, err)
	}
	return value, nil
}

func lookupEnvAsBool(key string, fallback bool) (bool, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, fmt.Errorf("can't parse %s as bool: %v", key, err)
	}
	return value, nil
}
