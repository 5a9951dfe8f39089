package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"

	"github.com/animus-labs/shipyard-go/internal/build"
	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/dockerengine"
)

type registryAPI interface {
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, image string, options types.ImagePushOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

// RegistryPublisher tags the built image into a registry repository and pushes
// it. The resulting manifest digest is the published artifact digest.
type RegistryPublisher struct {
	api          registryAPI
	logger       *slog.Logger
	repository   string
	registryAuth string
}

func NewRegistryPublisher(api registryAPI, logger *slog.Logger, repository, registryAuth string) (*RegistryPublisher, error) {
	if api == nil {
		return nil, errors.New("docker client is required")
	}
	repository = strings.TrimSpace(repository)
	if repository == "" {
		return nil, errors.New("registry repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryPublisher{api: api, logger: logger, repository: repository, registryAuth: registryAuth}, nil
}

func (p *RegistryPublisher) Publish(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
	if req.Artifact == nil || strings.TrimSpace(req.Artifact.Digest) == "" {
		return domain.ArtifactRef{}, domain.Permanent(errors.New("publish requires a build artifact"))
	}
	target := p.repository + ":" + build.TagFor(req)

	if err := p.api.ImageTag(ctx, req.Artifact.Digest, target); err != nil {
		return domain.ArtifactRef{}, classifyPush(fmt.Errorf("tag %s as %s: %w", req.Artifact.Digest, target, err))
	}

	stream, err := p.api.ImagePush(ctx, target, types.ImagePushOptions{RegistryAuth: p.registryAuth})
	if err != nil {
		return domain.ArtifactRef{}, classifyPush(fmt.Errorf("push %s: %w", target, err))
	}
	defer stream.Close()

	var digest string
	err = dockerengine.ReadStream(stream, func(raw json.RawMessage) error {
		var result types.PushResult
		if err := json.Unmarshal(raw, &result); err == nil && result.Digest != "" {
			digest = result.Digest
		}
		return nil
	})
	if err != nil {
		return domain.ArtifactRef{}, classifyPush(fmt.Errorf("push %s: %w", target, err))
	}
	if digest == "" {
		digest, err = p.repoDigest(ctx, target)
		if err != nil {
			return domain.ArtifactRef{}, err
		}
	}

	p.logger.Info("image pushed", "run_id", req.RunID, "image", target, "digest", digest)
	return domain.ArtifactRef{
		Digest:    digest,
		Tag:       target,
		Location:  p.repository,
		SourceRef: req.SourceRef,
		RunID:     req.RunID,
		Stage:     domain.StagePublish,
	}, nil
}

// repoDigest falls back to the daemon's record of pushed digests when the
// push stream carried no aux result, as older registries do for existing
// layers.
func (p *RegistryPublisher) repoDigest(ctx context.Context, image string) (string, error) {
	inspected, _, err := p.api.ImageInspectWithRaw(ctx, image)
	if err != nil {
		return "", classifyPush(fmt.Errorf("inspect %s: %w", image, err))
	}
	prefix := p.repository + "@"
	for _, rd := range inspected.RepoDigests {
		if strings.HasPrefix(rd, prefix) {
			return strings.TrimPrefix(rd, prefix), nil
		}
	}
	return "", domain.Transientf("push of %s reported no manifest digest", image)
}

func classifyPush(err error) error {
	var streamErr *dockerengine.StreamError
	if errors.As(err, &streamErr) {
		if streamErr.Denied() {
			return domain.Permanent(err)
		}
		return domain.Transient(err)
	}
	if dockerengine.IsNotFound(err) {
		return domain.Permanent(err)
	}
	if dockerengine.IsTransient(err) {
		return domain.Transient(err)
	}
	return domain.Permanent(err)
}
