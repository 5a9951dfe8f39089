// Package config loads the pipeline file (shipyard.yml): clusters, targets and
// the adapter settings for each stage.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/orchestrator"
	"github.com/animus-labs/shipyard-go/internal/platform/k8s"
	"github.com/animus-labs/shipyard-go/internal/verify"
)

const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"

	BuildDocker  = "docker"
	BuildCommand = "command"

	TestNone       = "none"
	TestDocker     = "docker"
	TestKubernetes = "kubernetes"

	PublishRegistry = "registry"
	PublishBlob     = "blob"

	ProbeKubernetes = "kubernetes"
	ProbeHTTP       = "http"
)

type Config struct {
	Ledger   LedgerConfig             `yaml:"ledger"`
	Clusters map[string]ClusterConfig `yaml:"clusters"`
	Targets  []TargetConfig           `yaml:"targets"`
	Build    BuildConfig              `yaml:"build"`
	Test     TestConfig               `yaml:"test"`
	Publish  PublishConfig            `yaml:"publish"`
	Verify   VerifyConfig             `yaml:"verify"`
	Retry    RetryConfig              `yaml:"retry"`
	Timeouts TimeoutConfig            `yaml:"timeouts"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite file.
	Path string `yaml:"path,omitempty"`
	// URL overrides the DATABASE_* settings for postgres.
	URL string `yaml:"url,omitempty"`
}

type ClusterConfig struct {
	// Server is empty for the in-cluster API server.
	Server    string `yaml:"server,omitempty"`
	Token     string `yaml:"token,omitempty"`
	TokenFile string `yaml:"token_file,omitempty"`
	CAFile    string `yaml:"ca_file,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
	Insecure  bool   `yaml:"insecure,omitempty"`
}

type TargetConfig struct {
	Name      string `yaml:"name"`
	Cluster   string `yaml:"cluster"`
	Namespace string `yaml:"namespace"`
	Workload  string `yaml:"workload"`
	Container string `yaml:"container,omitempty"`
}

type BuildConfig struct {
	Kind string `yaml:"kind"`

	Context    string            `yaml:"context,omitempty"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Repository string            `yaml:"repository,omitempty"`
	BuildArgs  map[string]string `yaml:"build_args,omitempty"`

	Shell   string            `yaml:"shell,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Output  string            `yaml:"output,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

type TestConfig struct {
	Executor string            `yaml:"executor"`
	Image    string            `yaml:"image,omitempty"`
	Command  []string          `yaml:"command,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`

	DockerBin string `yaml:"docker_bin,omitempty"`
	Network   string `yaml:"network,omitempty"`

	Cluster        string `yaml:"cluster,omitempty"`
	Namespace      string `yaml:"namespace,omitempty"`
	ServiceAccount string `yaml:"service_account,omitempty"`
	TTLSeconds     int32  `yaml:"ttl_seconds,omitempty"`

	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

type PublishConfig struct {
	Kind       string `yaml:"kind"`
	Repository string `yaml:"repository,omitempty"`
	Bucket     string `yaml:"bucket,omitempty"`
}

type VerifyConfig struct {
	Probe string `yaml:"probe"`
	// URL is the readiness URL template for the http probe.
	URL string `yaml:"url,omitempty"`

	PrometheusURL   string        `yaml:"prometheus_url"`
	Query           string        `yaml:"query,omitempty"`
	PollInterval    time.Duration `yaml:"poll_interval,omitempty"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout,omitempty"`
	TelemetryWindow time.Duration `yaml:"telemetry_window,omitempty"`
	MinSamples      float64       `yaml:"min_samples,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	Base        time.Duration `yaml:"base,omitempty"`
	Max         time.Duration `yaml:"max,omitempty"`
	Jitter      float64       `yaml:"jitter,omitempty"`
}

type TimeoutConfig struct {
	Stage  time.Duration            `yaml:"stage,omitempty"`
	Run    time.Duration            `yaml:"run,omitempty"`
	Stages map[string]time.Duration `yaml:"stages,omitempty"`
}

// Load reads path, expands ${VAR} references that are set in the environment
// and validates the result. Unset references are kept so adapters can expand
// their own per-run variables such as ${SHIPYARD_TAG}.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(expandSet(string(raw))))
}

func expandSet(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

func Parse(input []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	c.Ledger.Driver = lower(c.Ledger.Driver)
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = LedgerSQLite
	}
	if c.Ledger.Driver == LedgerSQLite && strings.TrimSpace(c.Ledger.Path) == "" {
		c.Ledger.Path = "./data/shipyard.db"
	}
	c.Build.Kind = lower(c.Build.Kind)
	if c.Build.Kind == "" {
		c.Build.Kind = BuildDocker
	}
	if c.Build.Kind == BuildDocker && strings.TrimSpace(c.Build.Context) == "" {
		c.Build.Context = "."
	}
	c.Test.Executor = lower(c.Test.Executor)
	if c.Test.Executor == "" {
		c.Test.Executor = TestNone
	}
	c.Publish.Kind = lower(c.Publish.Kind)
	if c.Publish.Kind == "" {
		c.Publish.Kind = PublishRegistry
	}
	c.Verify.Probe = lower(c.Verify.Probe)
	if c.Verify.Probe == "" {
		c.Verify.Probe = ProbeKubernetes
	}
	for i := range c.Targets {
		if strings.TrimSpace(c.Targets[i].Namespace) == "" {
			if cl, ok := c.Clusters[c.Targets[i].Cluster]; ok {
				c.Targets[i].Namespace = strings.TrimSpace(cl.Namespace)
			}
		}
		if strings.TrimSpace(c.Targets[i].Workload) == "" {
			c.Targets[i].Workload = c.Targets[i].Name
		}
	}
	return c
}

func (c Config) Validate() error {
	switch c.Ledger.Driver {
	case LedgerSQLite, LedgerPostgres, LedgerMemory:
	default:
		return fmt.Errorf("ledger.driver unsupported: %q", c.Ledger.Driver)
	}
	if len(c.Clusters) == 0 {
		return errors.New("clusters must be non-empty")
	}
	if len(c.Targets) == 0 {
		return errors.New("targets must be non-empty")
	}

	names := make(map[string]struct{}, len(c.Targets))
	keys := make(map[string]string, len(c.Targets))
	for i, t := range c.Targets {
		target := t.domain()
		if err := target.Validate(); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		if _, ok := c.Clusters[target.Cluster]; !ok {
			return fmt.Errorf("targets[%d].cluster %q is not defined", i, target.Cluster)
		}
		if _, ok := names[target.Name]; ok {
			return fmt.Errorf("targets[%d].name must be unique (duplicate %q)", i, target.Name)
		}
		names[target.Name] = struct{}{}
		if other, ok := keys[target.Key()]; ok {
			return fmt.Errorf("targets[%d] addresses the same workload as %q", i, other)
		}
		keys[target.Key()] = target.Name
	}

	switch c.Build.Kind {
	case BuildDocker:
		if strings.TrimSpace(c.Build.Repository) == "" {
			return errors.New("build.repository is required for docker builds")
		}
	case BuildCommand:
		if strings.TrimSpace(c.Build.Command) == "" {
			return errors.New("build.command is required for command builds")
		}
		if strings.TrimSpace(c.Build.Output) == "" {
			return errors.New("build.output is required for command builds")
		}
	default:
		return fmt.Errorf("build.kind unsupported: %q", c.Build.Kind)
	}

	switch c.Test.Executor {
	case TestNone, TestDocker:
	case TestKubernetes:
		if cl := strings.TrimSpace(c.Test.Cluster); cl != "" {
			if _, ok := c.Clusters[cl]; !ok {
				return fmt.Errorf("test.cluster %q is not defined", cl)
			}
		} else if len(c.Clusters) > 1 {
			return errors.New("test.cluster is required when more than one cluster is defined")
		}
	default:
		return fmt.Errorf("test.executor unsupported: %q", c.Test.Executor)
	}

	switch c.Publish.Kind {
	case PublishRegistry:
		if c.Build.Kind != BuildDocker {
			return errors.New("publish.kind registry requires build.kind docker")
		}
	case PublishBlob:
		if c.Build.Kind != BuildCommand {
			return errors.New("publish.kind blob requires build.kind command")
		}
	default:
		return fmt.Errorf("publish.kind unsupported: %q", c.Publish.Kind)
	}

	switch c.Verify.Probe {
	case ProbeKubernetes:
	case ProbeHTTP:
		if strings.TrimSpace(c.Verify.URL) == "" {
			return errors.New("verify.url is required for the http probe")
		}
	default:
		return fmt.Errorf("verify.probe unsupported: %q", c.Verify.Probe)
	}
	if strings.TrimSpace(c.Verify.PrometheusURL) == "" {
		return errors.New("verify.prometheus_url is required")
	}
	if c.Verify.MinSamples < 0 {
		return errors.New("verify.min_samples must be >= 0")
	}
	if stage, need := c.verifyBudget(); stage < need {
		return fmt.Errorf("verify stage timeout %s is shorter than verify.ready_timeout plus verify.telemetry_window (%s)", stage, need)
	}

	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must be >= 0")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be within [0, 1]")
	}
	if c.Retry.Max > 0 && c.Retry.Base > c.Retry.Max {
		return errors.New("retry.base must not exceed retry.max")
	}
	for name := range c.Timeouts.Stages {
		if _, err := domain.ParseStage(name); err != nil {
			return fmt.Errorf("timeouts.stages: %w", err)
		}
	}
	return nil
}

// verifyBudget returns the effective verify stage timeout and the time the
// verifier may need in the worst case, both after defaults.
func (c Config) verifyBudget() (stage, need time.Duration) {
	def := orchestrator.DefaultPolicy()
	stage = c.Timeouts.Stage
	for name, d := range c.Timeouts.Stages {
		if s, err := domain.ParseStage(name); err == nil && s == domain.StageVerify && d > 0 {
			stage = d
		}
	}
	if stage <= 0 {
		stage = def.StageTimeout
	}
	ready := c.Verify.ReadyTimeout
	if ready <= 0 {
		ready = def.VerifyReadyTimeout
	}
	window := c.Verify.TelemetryWindow
	if window <= 0 {
		window = verify.DefaultTelemetryWindow
	}
	return stage, ready + window
}

func (t TargetConfig) domain() domain.Target {
	return domain.Target{
		Name:      strings.TrimSpace(t.Name),
		Cluster:   strings.TrimSpace(t.Cluster),
		Namespace: strings.TrimSpace(t.Namespace),
		Workload:  strings.TrimSpace(t.Workload),
		Container: strings.TrimSpace(t.Container),
	}
}

// Targets resolves trigger target names against the configured targets.
type Targets map[string]domain.Target

func (t Targets) Target(name string) (domain.Target, error) {
	target, ok := t[strings.TrimSpace(name)]
	if !ok {
		return domain.Target{}, fmt.Errorf("%w: %q", domain.ErrTargetNotFound, name)
	}
	return target, nil
}

// Names lists target names in order.
func (t Targets) Names() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c Config) TargetSet() Targets {
	out := make(Targets, len(c.Targets))
	for _, t := range c.Targets {
		target := t.domain()
		out[target.Name] = target
	}
	return out
}

func (c Config) Policy() orchestrator.Policy {
	p := orchestrator.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff: orchestrator.Backoff{
			Base:   c.Retry.Base,
			Max:    c.Retry.Max,
			Jitter: c.Retry.Jitter,
		},
		StageTimeout:       c.Timeouts.Stage,
		RunTimeout:         c.Timeouts.Run,
		VerifyReadyTimeout: c.Verify.ReadyTimeout,
	}
	if len(c.Timeouts.Stages) > 0 {
		p.StageTimeouts = make(map[domain.Stage]time.Duration, len(c.Timeouts.Stages))
		for name, d := range c.Timeouts.Stages {
			stage, _ := domain.ParseStage(name)
			p.StageTimeouts[stage] = d
		}
	}
	if p.Backoff.Base > 0 && p.Backoff.Max == 0 {
		p.Backoff.Max = orchestrator.DefaultPolicy().Backoff.Max
	}
	return p
}

// ClientSet builds one API client per configured cluster.
func (c Config) ClientSet() (k8s.ClientSet, error) {
	out := make(k8s.ClientSet, len(c.Clusters))
	for name, cl := range c.Clusters {
		client, err := k8s.NewClientFromConfig(k8s.ClusterConfig{
			Server:    cl.Server,
			Token:     cl.Token,
			TokenFile: cl.TokenFile,
			CAFile:    cl.CAFile,
			Namespace: cl.Namespace,
			Insecure:  cl.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", name, err)
		}
		out[name] = client
	}
	return out, nil
}

func (c Config) NeedsDocker() bool {
	return c.Build.Kind == BuildDocker || c.Publish.Kind == PublishRegistry
}

func (c Config) NeedsObjectStore() bool {
	return c.Publish.Kind == PublishBlob
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
