// Package provision schedules bot-run workloads on Kubernetes. One Job per
// bot run; the cluster restarts a crashed container at most BackoffLimit
// times and everything beyond that is the task engine's problem.
package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"meeting-transcriber/internal/config"
	"meeting-transcriber/internal/telemetry"
)

const (
	// StatusJobCreated means the scheduler accepted the workload.
	StatusJobCreated = "JobCreated"
	// StatusError means the scheduler rejected it; the result carries the reason.
	StatusError = "Error"
)

// BotRunRequest asks for one bot-run workload. Name and CPURequest are
// optional overrides.
type BotRunRequest struct {
	BotID      string `json:"bot_id"`
	Name       string `json:"name,omitempty"`
	CPURequest string `json:"cpu_request,omitempty"`
}

// ProvisionResult reports scheduler acceptance or rejection as data, never as
// a Go error: callers inspect Status/Created instead of unwrapping faults.
type ProvisionResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Created  bool   `json:"created"`
	Image    string `json:"image,omitempty"`
	Instance string `json:"instance,omitempty"`
	Version  string `json:"version,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TeardownResult reports the outcome of a workload delete.
type TeardownResult struct {
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// Provisioner builds and submits bot-run Jobs.
type Provisioner struct {
	client   kubernetes.Interface
	cfg      *config.Config
	instance string
	image    string
	log      zerolog.Logger
}

// New connects to the cluster and validates provisioning config. A missing
// release version is fatal here: a workload must never be submitted without
// its version labels.
func New(cfg *config.Config, log zerolog.Logger) (*Provisioner, error) {
	restCfg, err := loadRestConfig(log, inClusterLoader, kubeconfigLoader)
	if err != nil {
		return nil, fmt.Errorf("provision: cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("provision: create clientset: %w", err)
	}
	return NewWithClient(client, cfg, log)
}

// NewWithClient builds a provisioner over an existing clientset.
func NewWithClient(client kubernetes.Interface, cfg *config.Config, log zerolog.Logger) (*Provisioner, error) {
	if cfg.ReleaseVersion == "" {
		return nil, fmt.Errorf("provision: release version is not set")
	}
	// An empty image would only surface as a scheduler rejection per job.
	if cfg.BotImage == "" {
		return nil, fmt.Errorf("provision: bot image is not set")
	}
	return &Provisioner{
		client:   client,
		cfg:      cfg,
		instance: instanceIdentity(cfg.AppName, cfg.ReleaseVersion),
		image:    fmt.Sprintf("%s:%s", cfg.BotImage, cfg.ReleaseVersion),
		log:      log,
	}, nil
}

// instanceIdentity derives the release-scoped instance label. Every workload
// from the same release carries the same value.
func instanceIdentity(appName, version string) string {
	parts := strings.Split(version, "-")
	return appName + "-" + parts[len(parts)-1]
}

// Provision submits one Job for the request.
func (p *Provisioner) Provision(ctx context.Context, req BotRunRequest) ProvisionResult {
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("bot-%s-%s", req.BotID, uuid.New().String()[:8])
	}

	job := p.buildJob(name, req)
	created, err := p.client.BatchV1().Jobs(p.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		telemetry.PodCreateErrors.Inc()
		p.log.Error().Err(err).Str("name", name).Str("bot_id", req.BotID).Msg("job submission rejected")
		return ProvisionResult{Name: name, Status: StatusError, Created: false, Error: err.Error()}
	}

	telemetry.PodsCreated.Inc()
	p.log.Info().Str("name", created.Name).Str("bot_id", req.BotID).Str("image", p.image).Msg("bot job created")
	return ProvisionResult{
		Name:     created.Name,
		Status:   StatusJobCreated,
		Created:  true,
		Image:    p.image,
		Instance: p.instance,
		Version:  p.cfg.ReleaseVersion,
	}
}

// Teardown deletes a workload gracefully. A workload that is already gone
// counts as deleted.
func (p *Provisioner) Teardown(ctx context.Context, name string) TeardownResult {
	grace := int64(p.cfg.BotTerminationGrace.Seconds())
	propagation := metav1.DeletePropagationForeground
	err := p.client.BatchV1().Jobs(p.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		PropagationPolicy:  &propagation,
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return TeardownResult{Deleted: true}
		}
		p.log.Error().Err(err).Str("name", name).Msg("job delete failed")
		return TeardownResult{Deleted: false, Error: err.Error()}
	}
	p.log.Info().Str("name", name).Msg("bot job deleted")
	return TeardownResult{Deleted: true}
}

func (p *Provisioner) buildJob(name string, req BotRunRequest) *batchv1.Job {
	cfg := p.cfg
	labels := map[string]string{
		"app.kubernetes.io/name":       cfg.AppName,
		"app.kubernetes.io/instance":   p.instance,
		"app.kubernetes.io/version":    cfg.ReleaseVersion,
		"app.kubernetes.io/managed-by": cfg.AppName,
	}

	cpu := cfg.BotCPURequest
	if req.CPURequest != "" {
		cpu = req.CPURequest
	}

	container := corev1.Container{
		Name:  name,
		Image: p.image,
		Env: []corev1.EnvVar{
			{Name: "BOT_ID", Value: req.BotID},
		},
		EnvFrom: []corev1.EnvFromSource{
			{ConfigMapRef: &corev1.ConfigMapEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: cfg.BotConfigMap},
			}},
			{SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: cfg.BotSecrets},
			}},
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:              resource.MustParse(cpu),
				corev1.ResourceMemory:           resource.MustParse(cfg.BotMemoryRequest),
				corev1.ResourceEphemeralStorage: resource.MustParse(cfg.BotEphemeralRequest),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceMemory:           resource.MustParse(cfg.BotMemoryLimit),
				corev1.ResourceEphemeralStorage: resource.MustParse(cfg.BotEphemeralLimit),
			},
		},
	}

	grace := int64(cfg.BotTerminationGrace.Seconds())
	tolerationWindow := int64(cfg.BotTolerationWindow.Seconds())
	backoffLimit := int32(cfg.BotBackoffLimit)

	podSpec := corev1.PodSpec{
		Containers:                    []corev1.Container{container},
		RestartPolicy:                 corev1.RestartPolicyNever,
		TerminationGracePeriodSeconds: &grace,
		// Keep the bot pinned through brief node unavailability instead of
		// letting the default 300s eviction cut the meeting short.
		Tolerations: []corev1.Toleration{
			{
				Key:               corev1.TaintNodeNotReady,
				Operator:          corev1.TolerationOpExists,
				Effect:            corev1.TaintEffectNoExecute,
				TolerationSeconds: &tolerationWindow,
			},
			{
				Key:               corev1.TaintNodeUnreachable,
				Operator:          corev1.TolerationOpExists,
				Effect:            corev1.TaintEffectNoExecute,
				TolerationSeconds: &tolerationWindow,
			},
		},
	}
	if cfg.BotImagePullSecrets != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: cfg.BotImagePullSecrets}}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

// restConfigLoader is one step of the credential fallback chain.
type restConfigLoader struct {
	name string
	load func() (*rest.Config, error)
}

var inClusterLoader = restConfigLoader{name: "in-cluster", load: rest.InClusterConfig}

var kubeconfigLoader = restConfigLoader{
	name: "kubeconfig",
	load: func() (*rest.Config, error) {
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(),
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
	},
}

// loadRestConfig walks the loaders in order and returns the first success.
// The order matters: inside a pod the service-account config wins; a dev
// machine falls through to the local kubeconfig.
func loadRestConfig(log zerolog.Logger, loaders ...restConfigLoader) (*rest.Config, error) {
	var lastErr error
	for _, l := range loaders {
		cfg, err := l.load()
		if err == nil {
			log.Debug().Str("source", l.name).Msg("cluster credentials resolved")
			return cfg, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no cluster credentials available: %w", lastErr)
}
