package runtimeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// commandRunner executes a binary and returns its combined output.
type commandRunner func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

// DockerExecutor runs test jobs as detached containers through the docker CLI.
type DockerExecutor struct {
	dockerBin string
	network   string
	run       commandRunner
}

func NewDockerExecutor(dockerBin, network string) (*DockerExecutor, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerExecutor{dockerBin: dockerBin, network: strings.TrimSpace(network), run: execRunner}, nil
}

func (e *DockerExecutor) Kind() string {
	return "docker"
}

func (e *DockerExecutor) Submit(ctx context.Context, spec JobSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return ErrJobNameRequired
	}
	image := strings.TrimSpace(spec.Image)
	if image == "" {
		return errors.New("image is required")
	}

	args := []string{
		"run",
		"--detach",
		"--name", name,
		"--label", "shipyard.dev/run-id=" + spec.RunID,
		"--label", "shipyard.dev/stage=" + spec.Stage,
		"-e", "SHIPYARD_RUN_ID=" + spec.RunID,
		"-e", "SHIPYARD_STAGE=" + spec.Stage,
		"-e", "SHIPYARD_ATTEMPT=" + strconv.Itoa(spec.Attempt),
	}
	if e.network != "" {
		args = append(args, "--network", e.network)
	}
	for _, key := range sortedEnvKeys(spec.Env) {
		args = append(args, "-e", strings.TrimSpace(key)+"="+spec.Env[key])
	}
	args = append(args, image)
	args = append(args, spec.Command...)

	out, err := e.run(ctx, e.dockerBin, args...)
	if err != nil {
		text := strings.TrimSpace(string(out))
		// A container with this name means an earlier submission got through.
		if strings.Contains(text, "is already in use") {
			return nil
		}
		return fmt.Errorf("docker run failed: %w: %s", err, text)
	}
	return nil
}

type dockerInspectState struct {
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	Error      string    `json:"Error"`
	FinishedAt time.Time `json:"FinishedAt"`
}

func (e *DockerExecutor) Inspect(ctx context.Context, execution Execution) (Observation, error) {
	name := strings.TrimSpace(execution.Name)
	if name == "" {
		return Observation{}, ErrJobNameRequired
	}

	out, err := e.run(ctx, e.dockerBin, "inspect", "--format", "{{json .State}}", name)
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such object") || strings.Contains(text, "not found") {
			return Observation{Phase: PhasePending, Message: "container_not_found"}, nil
		}
		return Observation{}, fmt.Errorf("docker inspect failed: %w: %s", err, text)
	}

	var state dockerInspectState
	if err := json.Unmarshal(out, &state); err != nil {
		return Observation{}, fmt.Errorf("parse docker inspect: %w", err)
	}

	phase := PhasePending
	message := strings.TrimSpace(state.Status)
	switch strings.ToLower(message) {
	case "running":
		phase = PhaseRunning
	case "exited", "dead":
		if state.ExitCode == 0 && state.Error == "" {
			phase = PhaseSucceeded
		} else {
			phase = PhaseFailed
			message = fmt.Sprintf("exit code %d", state.ExitCode)
			if state.Error != "" {
				message += ": " + state.Error
			}
		}
	}

	return Observation{
		Phase:   phase,
		Message: message,
		Details: map[string]any{
			"docker_container": name,
			"exit_code":        state.ExitCode,
			"finished_at":      state.FinishedAt,
		},
	}, nil
}
