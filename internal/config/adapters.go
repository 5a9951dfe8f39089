package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/docker/docker/client"

	"github.com/animus-labs/shipyard-go/internal/build"
	"github.com/animus-labs/shipyard-go/internal/deploy"
	"github.com/animus-labs/shipyard-go/internal/orchestrator"
	"github.com/animus-labs/shipyard-go/internal/platform/k8s"
	"github.com/animus-labs/shipyard-go/internal/platform/objectstore"
	"github.com/animus-labs/shipyard-go/internal/publish"
	"github.com/animus-labs/shipyard-go/internal/runtimeexec"
	"github.com/animus-labs/shipyard-go/internal/verify"
)

// Deps carries the live clients the adapters are built on. Docker is only
// required when NeedsDocker reports true, Store only when NeedsObjectStore
// does.
type Deps struct {
	Logger       *slog.Logger
	Docker       *client.Client
	RegistryAuth string
	Store        objectstore.Store
	Clusters     k8s.ClientSet
	HTTPClient   *http.Client
}

// Adapters wires the stage adapters described by c.
func (c Config) Adapters(deps Deps) (orchestrator.Adapters, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clusters == nil {
		return orchestrator.Adapters{}, errors.New("cluster clients are required")
	}
	if c.NeedsDocker() && deps.Docker == nil {
		return orchestrator.Adapters{}, errors.New("docker client is required")
	}
	if c.NeedsObjectStore() && deps.Store == nil {
		return orchestrator.Adapters{}, errors.New("object store is required")
	}

	var (
		out orchestrator.Adapters
		err error
	)
	if out.Builder, err = c.builder(deps, logger); err != nil {
		return orchestrator.Adapters{}, fmt.Errorf("build adapter: %w", err)
	}
	if out.Tester, err = c.tester(deps, logger); err != nil {
		return orchestrator.Adapters{}, fmt.Errorf("test adapter: %w", err)
	}
	if out.Publisher, err = c.publisher(deps, logger); err != nil {
		return orchestrator.Adapters{}, fmt.Errorf("publish adapter: %w", err)
	}
	if out.Deployer, err = deploy.NewKubernetesDeployer(deps.Clusters, logger); err != nil {
		return orchestrator.Adapters{}, fmt.Errorf("deploy adapter: %w", err)
	}
	if out.Verifier, err = c.verifier(deps, logger); err != nil {
		return orchestrator.Adapters{}, fmt.Errorf("verifier: %w", err)
	}
	return out, nil
}

func (c Config) builder(deps Deps, logger *slog.Logger) (build.Builder, error) {
	switch c.Build.Kind {
	case BuildDocker:
		return build.NewDockerBuilder(deps.Docker, logger, build.DockerConfig{
			ContextDir: c.Build.Context,
			Dockerfile: c.Build.Dockerfile,
			Repository: c.Build.Repository,
			BuildArgs:  c.Build.BuildArgs,
		})
	case BuildCommand:
		return &build.CommandBuilder{
			Shell:   c.Build.Shell,
			Command: c.Build.Command,
			Dir:     c.Build.Dir,
			Output:  c.Build.Output,
			Env:     c.Build.Env,
			Logger:  logger,
		}, nil
	}
	return nil, fmt.Errorf("unsupported build kind %q", c.Build.Kind)
}

// tester returns a nil Tester for the none executor. The explicit nil keeps
// the orchestrator's interface value nil rather than a typed nil pointer.
func (c Config) tester(deps Deps, logger *slog.Logger) (orchestrator.Tester, error) {
	var executor runtimeexec.Executor
	switch c.Test.Executor {
	case TestNone:
		return nil, nil
	case TestDocker:
		e, err := runtimeexec.NewDockerExecutor(c.Test.DockerBin, c.Test.Network)
		if err != nil {
			return nil, err
		}
		executor = e
	case TestKubernetes:
		cl, err := deps.Clusters.Client(strings.TrimSpace(c.Test.Cluster))
		if err != nil {
			return nil, err
		}
		e, err := runtimeexec.NewKubernetesJobExecutor(cl, c.Test.Namespace, c.Test.TTLSeconds, c.Test.ServiceAccount)
		if err != nil {
			return nil, err
		}
		executor = e
	default:
		return nil, fmt.Errorf("unsupported test executor %q", c.Test.Executor)
	}
	return &runtimeexec.Tester{
		Executor:     executor,
		Logger:       logger,
		Namespace:    c.Test.Namespace,
		Image:        c.Test.Image,
		Command:      c.Test.Command,
		Env:          c.Test.Env,
		PollInterval: c.Test.PollInterval,
	}, nil
}

func (c Config) publisher(deps Deps, logger *slog.Logger) (publish.Publisher, error) {
	switch c.Publish.Kind {
	case PublishRegistry:
		repo := strings.TrimSpace(c.Publish.Repository)
		if repo == "" {
			repo = c.Build.Repository
		}
		return publish.NewRegistryPublisher(deps.Docker, logger, repo, deps.RegistryAuth)
	case PublishBlob:
		return publish.NewBlobPublisher(deps.Store, c.Publish.Bucket, logger)
	}
	return nil, fmt.Errorf("unsupported publish kind %q", c.Publish.Kind)
}

func (c Config) verifier(deps Deps, logger *slog.Logger) (*verify.Verifier, error) {
	var probe verify.ReadinessProbe
	switch c.Verify.Probe {
	case ProbeKubernetes:
		probe = &verify.KubernetesRolloutProbe{Clusters: deps.Clusters}
	case ProbeHTTP:
		p, err := verify.NewHTTPProbe(c.Verify.URL, deps.HTTPClient)
		if err != nil {
			return nil, err
		}
		probe = p
	default:
		return nil, fmt.Errorf("unsupported probe %q", c.Verify.Probe)
	}
	source, err := verify.NewPrometheusSource(c.Verify.PrometheusURL, c.Verify.Query, deps.HTTPClient)
	if err != nil {
		return nil, err
	}
	return &verify.Verifier{
		Probe:           probe,
		Telemetry:       source,
		Logger:          logger,
		PollInterval:    c.Verify.PollInterval,
		TelemetryWindow: c.Verify.TelemetryWindow,
		MinSamples:      c.Verify.MinSamples,
	}, nil
}
