package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/animus-labs/shipyard-go/internal/domain"
)

// CommandBuilder runs a shell command that writes a single output file. The
// artifact digest is the sha256 of that file.
type CommandBuilder struct {
	Shell   string
	Command string
	Dir     string
	// Output is the file the command produces. ${SHIPYARD_TAG} and
	// ${SHIPYARD_RUN_ID} are expanded.
	Output string
	Env    map[string]string
	Logger *slog.Logger
}

type buildStamp struct {
	SourceRef string `json:"source_ref"`
	Digest    string `json:"digest"`
}

func (b *CommandBuilder) Build(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
	if strings.TrimSpace(b.Command) == "" || strings.TrimSpace(b.Output) == "" {
		return domain.ArtifactRef{}, domain.Permanent(errors.New("build command and output are required"))
	}
	tag := TagFor(req)
	vars := map[string]string{
		"SHIPYARD_TAG":        tag,
		"SHIPYARD_RUN_ID":     req.RunID,
		"SHIPYARD_SOURCE_REF": req.SourceRef,
	}
	output := os.Expand(b.Output, func(key string) string { return vars[key] })
	if !filepath.IsAbs(output) {
		output = filepath.Join(b.Dir, output)
	}
	output, err := filepath.Abs(output)
	if err != nil {
		return domain.ArtifactRef{}, domain.Permanent(err)
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if digest, ok := b.reusable(output, req.SourceRef); ok {
		logger.Info("artifact already built", "run_id", req.RunID, "output", output, "digest", digest)
		return b.artifact(req, tag, output, digest), nil
	}

	shell := b.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", b.Command)
	cmd.Dir = b.Dir
	cmd.Env = os.Environ()
	for k, v := range b.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range vars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "SHIPYARD_OUTPUT="+output)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return domain.ArtifactRef{}, fmt.Errorf("build command interrupted: %w", ctx.Err())
		}
		return domain.ArtifactRef{}, domain.Permanentf("build command failed: %v: %s", err, tail(out, 2048))
	}

	digest, err := fileDigest(output)
	if err != nil {
		return domain.ArtifactRef{}, domain.Permanentf("build output: %v", err)
	}
	stamp, _ := json.Marshal(buildStamp{SourceRef: req.SourceRef, Digest: digest})
	if err := os.WriteFile(stampPath(output), stamp, 0o644); err != nil {
		logger.Warn("write build stamp", "output", output, "error", err)
	}
	logger.Info("artifact built", "run_id", req.RunID, "output", output, "digest", digest)
	return b.artifact(req, tag, output, digest), nil
}

// reusable reports an output left by an earlier build of the same source
// whose content still matches the recorded digest.
func (b *CommandBuilder) reusable(output, sourceRef string) (string, bool) {
	raw, err := os.ReadFile(stampPath(output))
	if err != nil {
		return "", false
	}
	var stamp buildStamp
	if err := json.Unmarshal(raw, &stamp); err != nil || stamp.SourceRef != sourceRef {
		return "", false
	}
	digest, err := fileDigest(output)
	if err != nil || digest != stamp.Digest {
		return "", false
	}
	return digest, true
}

func (b *CommandBuilder) artifact(req domain.StageRequest, tag, output, digest string) domain.ArtifactRef {
	return domain.ArtifactRef{
		Digest:    digest,
		Tag:       tag,
		Location:  "file://" + filepath.ToSlash(output),
		SourceRef: req.SourceRef,
		RunID:     req.RunID,
		Stage:     domain.StageBuild,
	}
}

func stampPath(output string) string {
	return output + ".shipyard.json"
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
