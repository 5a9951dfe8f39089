package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/animus-labs/shipyard-go/internal/domain"
)

// DefaultPrometheusQuery counts requests served by pods annotated with the
// artifact digest.
const DefaultPrometheusQuery = `sum(increase(http_requests_total{namespace="{{.Namespace}}",workload="{{.Workload}}",artifact_digest="{{.Digest}}"}[{{.Window}}]))`

// PrometheusSource answers Samples with an instant query against the
// Prometheus HTTP API.
type PrometheusSource struct {
	api   promv1.API
	query *template.Template
	now   func() time.Time
}

type queryVars struct {
	Digest    string
	Namespace string
	Workload  string
	Cluster   string
	Window    string
}

func NewPrometheusSource(baseURL, query string, client *http.Client) (*PrometheusSource, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("prometheus url is required")
	}
	if strings.TrimSpace(query) == "" {
		query = DefaultPrometheusQuery
	}
	tmpl, err := template.New("query").Option("missingkey=error").Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse telemetry query: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	c, err := api.NewClient(api.Config{Address: baseURL, Client: client})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &PrometheusSource{api: promv1.NewAPI(c), query: tmpl, now: time.Now}, nil
}

func (s *PrometheusSource) Samples(ctx context.Context, target domain.Target, digest string, since time.Time) (float64, error) {
	now := s.now()
	window := now.Sub(since).Round(time.Second)
	if window < time.Second {
		window = time.Second
	}
	var q bytes.Buffer
	err := s.query.Execute(&q, queryVars{
		Digest:    digest,
		Namespace: target.Namespace,
		Workload:  target.Workload,
		Cluster:   target.Cluster,
		Window:    fmt.Sprintf("%ds", int64(window/time.Second)),
	})
	if err != nil {
		return 0, fmt.Errorf("render telemetry query: %w", err)
	}

	value, _, err := s.api.Query(ctx, q.String(), now)
	if err != nil {
		return 0, fmt.Errorf("prometheus query: %w", err)
	}

	switch v := value.(type) {
	case model.Vector:
		total := 0.0
		for _, sample := range v {
			total += float64(sample.Value)
		}
		return total, nil
	case *model.Scalar:
		return float64(v.Value), nil
	default:
		return 0, fmt.Errorf("unsupported prometheus result type %s", value.Type())
	}
}
