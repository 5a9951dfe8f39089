package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/animus-labs/shipyard-go/internal/build"
	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/objectstore"
)

const metaDigest = "digest"

// BlobPublisher stores file artifacts in an S3-compatible bucket under their
// content digest and keeps a per-workload tag pointer next to them.
type BlobPublisher struct {
	store  objectstore.Store
	bucket string
	logger *slog.Logger
}

type tagPointer struct {
	Digest    string `json:"digest"`
	Key       string `json:"key"`
	SourceRef string `json:"source_ref"`
	RunID     string `json:"run_id"`
}

func NewBlobPublisher(store objectstore.Store, bucket string, logger *slog.Logger) (*BlobPublisher, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobPublisher{store: store, bucket: bucket, logger: logger}, nil
}

// BlobKey is the content-addressed object key for digest.
func BlobKey(digest string) (string, error) {
	hexPart, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(digest)), "sha256:")
	if !ok || len(hexPart) != 64 {
		return "", fmt.Errorf("unsupported digest %q", digest)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("unsupported digest %q", digest)
	}
	return "sha256/" + hexPart, nil
}

func (p *BlobPublisher) Publish(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
	if req.Artifact == nil {
		return domain.ArtifactRef{}, domain.Permanent(errors.New("publish requires a build artifact"))
	}
	digest := req.Artifact.Digest
	key, err := BlobKey(digest)
	if err != nil {
		return domain.ArtifactRef{}, domain.Permanent(err)
	}

	info, err := p.store.Stat(ctx, p.bucket, key)
	switch {
	case err == nil && info.Metadata[metaDigest] == digest:
		p.logger.Info("blob already published", "run_id", req.RunID, "key", key)
	case err == nil || errors.Is(err, objectstore.ErrObjectNotFound):
		if err := p.upload(ctx, req, key); err != nil {
			return domain.ArtifactRef{}, err
		}
	default:
		return domain.ArtifactRef{}, classifyStore(fmt.Errorf("stat %s: %w", key, err))
	}

	tag := build.TagFor(req)
	pointer, _ := json.Marshal(tagPointer{Digest: digest, Key: key, SourceRef: req.SourceRef, RunID: req.RunID})
	tagKey := fmt.Sprintf("tags/%s/%s", req.Target.Workload, tag)
	err = p.store.Put(ctx, p.bucket, tagKey, bytes.NewReader(pointer), int64(len(pointer)), objectstore.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{metaDigest: digest},
	})
	if err != nil {
		return domain.ArtifactRef{}, classifyStore(fmt.Errorf("write tag %s: %w", tagKey, err))
	}

	return domain.ArtifactRef{
		Digest:    digest,
		Tag:       tag,
		Location:  fmt.Sprintf("s3://%s/%s", p.bucket, key),
		SourceRef: req.SourceRef,
		RunID:     req.RunID,
		Stage:     domain.StagePublish,
	}, nil
}

func (p *BlobPublisher) upload(ctx context.Context, req domain.StageRequest, key string) error {
	path, ok := strings.CutPrefix(req.Artifact.Location, "file://")
	if !ok {
		return domain.Permanentf("blob publisher needs a local artifact, got %q", req.Artifact.Location)
	}
	f, err := os.Open(path)
	if err != nil {
		return domain.Permanentf("open artifact: %v", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return domain.Permanentf("stat artifact: %v", err)
	}

	// The file must still hash to the digest the build recorded.
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return domain.Permanentf("hash artifact: %v", err)
	}
	if got := "sha256:" + hex.EncodeToString(h.Sum(nil)); got != req.Artifact.Digest {
		return domain.Permanentf("artifact %s changed since build: digest %s", path, got)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return domain.Permanentf("rewind artifact: %v", err)
	}

	err = p.store.Put(ctx, p.bucket, key, f, fi.Size(), objectstore.PutOptions{
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			metaDigest:   req.Artifact.Digest,
			"source-ref": req.SourceRef,
			"run-id":     req.RunID,
		},
	})
	if err != nil {
		return classifyStore(fmt.Errorf("upload %s: %w", key, err))
	}
	p.logger.Info("blob published", "run_id", req.RunID, "key", key, "bytes", fi.Size())
	return nil
}

func classifyStore(err error) error {
	if errors.Is(err, objectstore.ErrAccessDenied) {
		return domain.Permanent(err)
	}
	return domain.Transient(err)
}
