package k8s

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type DeploymentSpec struct {
	Replicas *int32          `json:"replicas,omitempty"`
	Template PodTemplateSpec `json:"template"`
}

type DeploymentCondition struct {
	Type    string `json:"type,omitempty"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type DeploymentStatus struct {
	ObservedGeneration  int64                 `json:"observedGeneration,omitempty"`
	Replicas            int32                 `json:"replicas,omitempty"`
	UpdatedReplicas     int32                 `json:"updatedReplicas,omitempty"`
	ReadyReplicas       int32                 `json:"readyReplicas,omitempty"`
	AvailableReplicas   int32                 `json:"availableReplicas,omitempty"`
	UnavailableReplicas int32                 `json:"unavailableReplicas,omitempty"`
	Conditions          []DeploymentCondition `json:"conditions,omitempty"`
}

type Deployment struct {
	APIVersion string           `json:"apiVersion,omitempty"`
	Kind       string           `json:"kind,omitempty"`
	Metadata   ObjectMeta       `json:"metadata"`
	Spec       DeploymentSpec   `json:"spec"`
	Status     DeploymentStatus `json:"status,omitempty"`
}

// DesiredReplicas defaults to 1 when spec.replicas is unset.
func (d Deployment) DesiredReplicas() int32 {
	if d.Spec.Replicas == nil {
		return 1
	}
	return *d.Spec.Replicas
}

// ProgressDeadlineExceeded reports the Progressing=False/ProgressDeadlineExceeded condition.
func (d Deployment) ProgressDeadlineExceeded() bool {
	for _, cond := range d.Status.Conditions {
		if cond.Type == "Progressing" && cond.Status == "False" && cond.Reason == "ProgressDeadlineExceeded" {
			return true
		}
	}
	return false
}

func (c *Client) GetDeployment(ctx context.Context, namespace, name string) (Deployment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Deployment{}, errors.New("deployment name is required")
	}
	path := fmt.Sprintf("/apis/apps/v1/namespaces/%s/deployments/%s", c.resolveNamespace(namespace), name)
	req, err := c.newRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return Deployment{}, err
	}
	var out Deployment
	if err := c.do(req, &out); err != nil {
		return Deployment{}, err
	}
	return out, nil
}

// PatchDeployment applies a strategic merge patch and returns the updated object.
func (c *Client) PatchDeployment(ctx context.Context, namespace, name string, patch any) (Deployment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Deployment{}, errors.New("deployment name is required")
	}
	path := fmt.Sprintf("/apis/apps/v1/namespaces/%s/deployments/%s", c.resolveNamespace(namespace), name)
	req, err := c.newRequest(ctx, http.MethodPatch, path, "application/strategic-merge-patch+json", patch)
	if err != nil {
		return Deployment{}, err
	}
	var out Deployment
	if err := c.do(req, &out); err != nil {
		return Deployment{}, err
	}
	return out, nil
}
