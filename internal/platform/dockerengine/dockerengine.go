// Package dockerengine wraps the Docker Engine SDK for the build and publish
// stages: client construction, error classification and progress streams.
package dockerengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/animus-labs/shipyard-go/internal/platform/env"
)

type Config struct {
	Host             string
	APIVersion       string
	RegistryServer   string
	RegistryUsername string
	RegistryPassword string
}

func ConfigFromEnv() Config {
	return Config{
		Host:             env.String("SHIPYARD_DOCKER_HOST", ""),
		APIVersion:       env.String("SHIPYARD_DOCKER_API_VERSION", ""),
		RegistryServer:   env.String("SHIPYARD_REGISTRY_SERVER", ""),
		RegistryUsername: env.String("SHIPYARD_REGISTRY_USERNAME", ""),
		RegistryPassword: env.String("SHIPYARD_REGISTRY_PASSWORD", ""),
	}
}

// NewClient connects to the daemon named by cfg, falling back to DOCKER_HOST
// and friends. The API version is negotiated unless pinned.
func NewClient(cfg Config) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv}
	if host := strings.TrimSpace(cfg.Host); host != "" {
		opts = append(opts, client.WithHost(host))
	}
	if v := strings.TrimSpace(cfg.APIVersion); v != "" {
		opts = append(opts, client.WithVersion(v))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// RegistryAuth encodes the X-Registry-Auth header value, or "" when no
// credentials are configured.
func (c Config) RegistryAuth() (string, error) {
	if strings.TrimSpace(c.RegistryUsername) == "" {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      c.RegistryUsername,
		Password:      c.RegistryPassword,
		ServerAddress: c.RegistryServer,
	})
}

// StreamError is an error reported inside a build or push progress stream.
type StreamError struct {
	Code    int
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// Denied reports registry authorization failures, which retrying cannot fix.
func (e *StreamError) Denied() bool {
	msg := strings.ToLower(e.Message)
	return e.Code == 401 || e.Code == 403 ||
		strings.Contains(msg, "denied") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication required")
}

// ReadStream consumes a jsonmessage stream until EOF. Aux payloads are handed
// to onAux; the first error message in the stream is returned as *StreamError.
func ReadStream(r io.Reader, onAux func(json.RawMessage) error) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode docker stream: %w", err)
		}
		if msg.Error != nil {
			return &StreamError{Code: msg.Error.Code, Message: msg.Error.Message}
		}
		if msg.ErrorMessage != "" {
			return &StreamError{Message: msg.ErrorMessage}
		}
		if msg.Aux != nil && onAux != nil {
			if err := onAux(*msg.Aux); err != nil {
				return err
			}
		}
	}
}

// IsTransient reports daemon and transport failures worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return false
	}
	if client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err) || errdefs.IsSystem(err) ||
		errdefs.IsDeadline(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsNotFound reports a missing image or object on the daemon.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}
