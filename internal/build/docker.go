package build

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/dockerengine"
)

// imageAPI is the part of the Docker client the builder needs.
type imageAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

// DockerBuilder builds images through the Docker Engine API. The image ID is
// the artifact digest.
type DockerBuilder struct {
	api        imageAPI
	logger     *slog.Logger
	contextDir string
	dockerfile string
	repository string
	buildArgs  map[string]string
}

type DockerConfig struct {
	ContextDir string
	Dockerfile string
	Repository string
	BuildArgs  map[string]string
}

func NewDockerBuilder(api imageAPI, logger *slog.Logger, cfg DockerConfig) (*DockerBuilder, error) {
	if api == nil {
		return nil, errors.New("docker client is required")
	}
	if strings.TrimSpace(cfg.Repository) == "" {
		return nil, errors.New("image repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	contextDir := strings.TrimSpace(cfg.ContextDir)
	if contextDir == "" {
		contextDir = "."
	}
	dockerfile := strings.TrimSpace(cfg.Dockerfile)
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	return &DockerBuilder{
		api:        api,
		logger:     logger,
		contextDir: contextDir,
		dockerfile: dockerfile,
		repository: strings.TrimSpace(cfg.Repository),
		buildArgs:  cfg.BuildArgs,
	}, nil
}

func (b *DockerBuilder) Build(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
	tag := b.repository + ":" + TagFor(req)

	existing, _, err := b.api.ImageInspectWithRaw(ctx, tag)
	switch {
	case err == nil && existing.Config != nil && existing.Config.Labels[LabelSourceRef] == req.SourceRef:
		b.logger.Info("image already built", "run_id", req.RunID, "tag", tag, "digest", existing.ID)
		return b.artifact(req, tag, existing.ID), nil
	case err != nil && !dockerengine.IsNotFound(err):
		return domain.ArtifactRef{}, classify(fmt.Errorf("inspect %s: %w", tag, err))
	}

	buildCtx, err := tarContext(b.contextDir)
	if err != nil {
		return domain.ArtifactRef{}, domain.Permanent(fmt.Errorf("build context: %w", err))
	}
	defer buildCtx.Close()
	args := make(map[string]*string, len(b.buildArgs)+1)
	for k, v := range b.buildArgs {
		args[k] = &v
	}
	sourceRef := req.SourceRef
	args["SHIPYARD_SOURCE_REF"] = &sourceRef

	resp, err := b.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  b.dockerfile,
		BuildArgs:   args,
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			LabelSourceRef: req.SourceRef,
			LabelRunID:     req.RunID,
			LabelTarget:    req.Target.Key(),
		},
	})
	if err != nil {
		return domain.ArtifactRef{}, classify(fmt.Errorf("image build: %w", err))
	}
	defer resp.Body.Close()

	var imageID string
	err = dockerengine.ReadStream(resp.Body, func(raw json.RawMessage) error {
		var result types.BuildResult
		if err := json.Unmarshal(raw, &result); err == nil && result.ID != "" {
			imageID = result.ID
		}
		return nil
	})
	if err != nil {
		return domain.ArtifactRef{}, classify(fmt.Errorf("image build %s: %w", tag, err))
	}
	if imageID == "" {
		inspected, _, err := b.api.ImageInspectWithRaw(ctx, tag)
		if err != nil {
			return domain.ArtifactRef{}, classify(fmt.Errorf("inspect built image %s: %w", tag, err))
		}
		imageID = inspected.ID
	}

	b.logger.Info("image built", "run_id", req.RunID, "tag", tag, "digest", imageID)
	return b.artifact(req, tag, imageID), nil
}

func (b *DockerBuilder) artifact(req domain.StageRequest, tag, imageID string) domain.ArtifactRef {
	return domain.ArtifactRef{
		Digest:    imageID,
		Tag:       tag,
		Location:  b.repository,
		SourceRef: req.SourceRef,
		RunID:     req.RunID,
		Stage:     domain.StageBuild,
	}
}

// classify keeps daemon and network failures retryable. Everything else,
// including errors reported by the build itself, fails the run.
func classify(err error) error {
	if dockerengine.IsTransient(err) {
		return domain.Transient(err)
	}
	return domain.Permanent(err)
}

// tarContext streams dir as a tar archive, skipping VCS metadata. Closing the
// reader stops the writer.
func tarContext(dir string) (io.ReadCloser, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil || rel == "." {
				return err
			}
			if d.IsDir() && d.Name() == ".git" {
				return filepath.SkipDir
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			if !fi.Mode().IsRegular() && !fi.IsDir() {
				return nil
			}
			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err == nil {
			err = tw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}
