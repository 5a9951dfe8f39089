package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/animus-labs/shipyard-go/internal/deploy"
	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/k8s"
)

// KubernetesRolloutProbe treats a Deployment as ready once its controller has
// observed the latest generation, every replica runs the new template and
// the template carries the expected digest.
type KubernetesRolloutProbe struct {
	Clusters deploy.Clusters
}

func (p *KubernetesRolloutProbe) Ready(ctx context.Context, target domain.Target, ref domain.ArtifactRef) (bool, string, error) {
	client, err := p.Clusters.Client(target.Cluster)
	if err != nil {
		return false, "", err
	}
	dep, err := client.GetDeployment(ctx, target.Namespace, target.Workload)
	if err != nil {
		return false, "", err
	}
	if got := dep.Spec.Template.Metadata.Annotations[deploy.AnnotationDigest]; got != ref.Digest {
		return false, fmt.Sprintf("template digest is %q", got), nil
	}
	if dep.ProgressDeadlineExceeded() {
		return false, "", fmt.Errorf("%w: rollout of %s exceeded its progress deadline", domain.ErrVerificationTimeout, target.Key())
	}
	return rolloutComplete(dep)
}

func rolloutComplete(dep k8s.Deployment) (bool, string, error) {
	desired := dep.DesiredReplicas()
	st := dep.Status
	switch {
	case st.ObservedGeneration < dep.Metadata.Generation:
		return false, fmt.Sprintf("observed generation %d < %d", st.ObservedGeneration, dep.Metadata.Generation), nil
	case st.UpdatedReplicas < desired:
		return false, fmt.Sprintf("%d of %d replicas updated", st.UpdatedReplicas, desired), nil
	case st.Replicas > st.UpdatedReplicas:
		return false, fmt.Sprintf("%d old replicas pending termination", st.Replicas-st.UpdatedReplicas), nil
	case st.AvailableReplicas < desired:
		return false, fmt.Sprintf("%d of %d replicas available", st.AvailableReplicas, desired), nil
	}
	return true, "", nil
}

// HTTPProbe polls a readiness URL that reports the digest it serves, either
// in the X-Artifact-Digest header or a JSON "digest" field.
type HTTPProbe struct {
	// URL is a text/template over the target: {{.Name}}, {{.Namespace}},
	// {{.Workload}}, {{.Cluster}}.
	URL    string
	Client *http.Client

	tmpl *template.Template
}

const HeaderArtifactDigest = "X-Artifact-Digest"

func NewHTTPProbe(rawURL string, client *http.Client) (*HTTPProbe, error) {
	tmpl, err := template.New("readiness").Option("missingkey=error").Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse readiness url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProbe{URL: rawURL, Client: client, tmpl: tmpl}, nil
}

func (p *HTTPProbe) Ready(ctx context.Context, target domain.Target, ref domain.ArtifactRef) (bool, string, error) {
	if p.tmpl == nil {
		return false, "", errors.New("http probe not initialized")
	}
	var url bytes.Buffer
	if err := p.tmpl.Execute(&url, target); err != nil {
		return false, "", fmt.Errorf("render readiness url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("status %d", resp.StatusCode), nil
	}

	served := strings.TrimSpace(resp.Header.Get(HeaderArtifactDigest))
	if served == "" {
		var payload struct {
			Digest string `json:"digest"`
		}
		if json.Unmarshal(body, &payload) == nil {
			served = strings.TrimSpace(payload.Digest)
		}
	}
	if served != ref.Digest {
		return false, fmt.Sprintf("serving digest %q", served), nil
	}
	return true, "", nil
}
