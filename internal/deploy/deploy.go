// Package deploy rolls a published artifact onto a target workload.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/k8s"
)

const (
	AnnotationDigest = "shipyard.dev/artifact-digest"
	AnnotationRunID  = "shipyard.dev/run-id"
)

// Deployer hands the artifact in req to the target's workload and returns the
// workload revision that carries it.
type Deployer interface {
	Deploy(ctx context.Context, req domain.StageRequest) (domain.Acceptance, error)
}

// Clusters resolves a cluster name to an API client.
type Clusters interface {
	Client(cluster string) (*k8s.Client, error)
}

// KubernetesDeployer patches the container image of an existing Deployment.
type KubernetesDeployer struct {
	clusters Clusters
	logger   *slog.Logger
}

func NewKubernetesDeployer(clusters Clusters, logger *slog.Logger) (*KubernetesDeployer, error) {
	if clusters == nil {
		return nil, errors.New("cluster clients are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KubernetesDeployer{clusters: clusters, logger: logger}, nil
}

func (d *KubernetesDeployer) Deploy(ctx context.Context, req domain.StageRequest) (domain.Acceptance, error) {
	if req.Artifact == nil || strings.TrimSpace(req.Artifact.Digest) == "" {
		return domain.Acceptance{}, domain.Permanent(errors.New("deploy requires a published artifact"))
	}
	target := req.Target
	client, err := d.clusters.Client(target.Cluster)
	if err != nil {
		return domain.Acceptance{}, domain.Permanent(err)
	}
	image := req.Artifact.Reference()

	current, err := client.GetDeployment(ctx, target.Namespace, target.Workload)
	if err != nil {
		return domain.Acceptance{}, classify(target, err)
	}
	container, ok := findContainer(current, target.Container)
	if !ok {
		return domain.Acceptance{}, domain.Permanentf("manifest rejected: deployment %s has no container %q", target.Key(), target.Container)
	}
	if container.Image == image && current.Spec.Template.Metadata.Annotations[AnnotationDigest] == req.Artifact.Digest {
		d.logger.Info("workload already on artifact", "run_id", req.RunID, "target", target.Key(), "digest", req.Artifact.Digest)
		return domain.Acceptance{Revision: current.Metadata.Generation, Message: "unchanged"}, nil
	}

	patch := map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]string{
						AnnotationDigest: req.Artifact.Digest,
						AnnotationRunID:  req.RunID,
					},
				},
				"spec": map[string]any{
					"containers": []map[string]string{{"name": container.Name, "image": image}},
				},
			},
		},
	}
	updated, err := client.PatchDeployment(ctx, target.Namespace, target.Workload, patch)
	if err != nil {
		return domain.Acceptance{}, classify(target, err)
	}

	d.logger.Info("workload patched",
		"run_id", req.RunID,
		"target", target.Key(),
		"image", image,
		"generation", updated.Metadata.Generation,
	)
	return domain.Acceptance{
		Revision: updated.Metadata.Generation,
		Message:  fmt.Sprintf("%s set to %s", container.Name, image),
	}, nil
}

// findContainer picks the named container, or the only one when no name is
// configured.
func findContainer(dep k8s.Deployment, name string) (k8s.Container, bool) {
	containers := dep.Spec.Template.Spec.Containers
	name = strings.TrimSpace(name)
	if name == "" && len(containers) == 1 {
		return containers[0], true
	}
	for _, c := range containers {
		if c.Name == name {
			return c, true
		}
	}
	return k8s.Container{}, false
}

func classify(target domain.Target, err error) error {
	var apiErr *k8s.APIError
	switch {
	case errors.Is(err, k8s.ErrNotFound):
		return domain.Permanentf("workload %s not found", target.Key())
	case errors.Is(err, k8s.ErrUnauthorized), errors.Is(err, k8s.ErrForbidden):
		return domain.Permanent(fmt.Errorf("deploy %s: %w", target.Key(), err))
	case errors.As(err, &apiErr) && apiErr.Rejected():
		return domain.Permanent(fmt.Errorf("manifest rejected: %w", err))
	case k8s.IsTransient(err):
		return domain.Transient(fmt.Errorf("deploy %s: %w", target.Key(), err))
	default:
		return domain.Permanent(fmt.Errorf("deploy %s: %w", target.Key(), err))
	}
}
