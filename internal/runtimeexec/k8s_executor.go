package runtimeexec

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/animus-labs/shipyard-go/internal/platform/k8s"
)

// KubernetesJobExecutor runs test jobs as batch/v1 Jobs.
type KubernetesJobExecutor struct {
	client         *k8s.Client
	namespace      string
	ttlSeconds     int32
	serviceAccount string
}

func NewKubernetesJobExecutor(client *k8s.Client, namespace string, ttlSeconds int32, serviceAccount string) (*KubernetesJobExecutor, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("job namespace is required")
	}
	if ttlSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	return &KubernetesJobExecutor{
		client:         client,
		namespace:      namespace,
		ttlSeconds:     ttlSeconds,
		serviceAccount: strings.TrimSpace(serviceAccount),
	}, nil
}

func (e *KubernetesJobExecutor) Kind() string {
	return "kubernetes_job"
}

func (e *KubernetesJobExecutor) resolveNamespace(ns string) string {
	if ns = strings.TrimSpace(ns); ns != "" {
		return ns
	}
	return e.namespace
}

func (e *KubernetesJobExecutor) Submit(ctx context.Context, spec JobSpec) error {
	jobName := strings.TrimSpace(spec.Name)
	if jobName == "" {
		return ErrJobNameRequired
	}
	if strings.TrimSpace(spec.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return errors.New("image is required")
	}
	namespace := e.resolveNamespace(spec.Namespace)

	labels := map[string]string{
		"app.kubernetes.io/name":       "shipyard",
		"app.kubernetes.io/component":  "test-job",
		"app.kubernetes.io/managed-by": "shipyard",
		"shipyard.dev/run-id":          spec.RunID,
	}

	container := k8s.Container{
		Name:    "test",
		Image:   spec.Image,
		Command: spec.Command,
		Env: []k8s.EnvVar{
			{Name: "SHIPYARD_RUN_ID", Value: spec.RunID},
			{Name: "SHIPYARD_STAGE", Value: spec.Stage},
			{Name: "SHIPYARD_ATTEMPT", Value: strconv.Itoa(spec.Attempt)},
		},
	}
	for _, key := range sortedEnvKeys(spec.Env) {
		container.Env = append(container.Env, k8s.EnvVar{Name: strings.TrimSpace(key), Value: spec.Env[key]})
	}

	podSpec := k8s.PodSpec{
		RestartPolicy:      "Never",
		ServiceAccountName: e.serviceAccount,
		Containers:         []k8s.Container{container},
	}

	backoff := int32(0)
	job := k8s.Job{
		Metadata: k8s.ObjectMeta{Name: jobName, Namespace: namespace, Labels: labels},
		Spec: k8s.JobSpec{
			BackoffLimit: &backoff,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
		},
	}
	if e.ttlSeconds > 0 {
		ttl := e.ttlSeconds
		job.Spec.TTLSecondsAfterFinished = &ttl
	}
	if secs := int64(spec.Deadline.Seconds()); secs > 0 {
		job.Spec.ActiveDeadlineSeconds = &secs
	}

	err := e.client.CreateJob(ctx, namespace, job)
	if err == nil || errors.Is(err, k8s.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (e *KubernetesJobExecutor) Inspect(ctx context.Context, execution Execution) (Observation, error) {
	namespace := e.resolveNamespace(execution.Namespace)
	jobName := strings.TrimSpace(execution.Name)
	if jobName == "" {
		return Observation{}, ErrJobNameRequired
	}

	job, err := e.client.GetJob(ctx, namespace, jobName)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return Observation{Phase: PhasePending, Message: "job_not_found"}, nil
		}
		return Observation{}, err
	}

	phase := PhasePending
	message := ""
	if cond, ok := job.Condition("Failed"); ok {
		phase = PhaseFailed
		message = conditionMessage(cond)
	} else if cond, ok := job.Condition("Complete"); ok {
		phase = PhaseSucceeded
		message = conditionMessage(cond)
	} else if job.Status.Active > 0 {
		phase = PhaseRunning
	}

	return Observation{
		Phase:   phase,
		Message: message,
		Details: map[string]any{
			"k8s_namespace": namespace,
			"k8s_job_name":  jobName,
			"active":        job.Status.Active,
			"succeeded":     job.Status.Succeeded,
			"failed":        job.Status.Failed,
		},
	}, nil
}

func conditionMessage(cond k8s.JobCondition) string {
	if msg := strings.TrimSpace(cond.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(cond.Reason)
}
