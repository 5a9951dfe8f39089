package publish

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/objectstore"
)

type fakeRegistry struct {
	tagErr  error
	pushErr error
	stream  string
	tags    [][2]string
	images  map[string]types.ImageInspect
}

func (f *fakeRegistry) ImageTag(ctx context.Context, source, target string) error {
	f.tags = append(f.tags, [2]string{source, target})
	return f.tagErr
}

func (f *fakeRegistry) ImagePush(ctx context.Context, image string, options types.ImagePushOptions) (io.ReadCloser, error) {
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

func (f *fakeRegistry) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	img, ok := f.images[imageID]
	if !ok {
		return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
	}
	return img, nil, nil
}

func publishRequest(artifact *domain.ArtifactRef) domain.StageRequest {
	return domain.StageRequest{
		RunID:     "r1",
		Stage:     domain.StagePublish,
		Attempt:   1,
		SourceRef: "git:abc123",
		Target:    domain.Target{Name: "web", Cluster: "prod", Namespace: "apps", Workload: "web", Container: "app"},
		Artifact:  artifact,
	}
}

func TestRegistryPublisherReadsPushDigest(t *testing.T) {
	api := &fakeRegistry{stream: `{"status":"Pushed"}` + "\n" + `{"aux":{"Tag":"abc123","Digest":"sha256:feed","Size":528}}`}
	p, err := NewRegistryPublisher(api, nil, "registry.example.com/team/web", "")
	if err != nil {
		t.Fatalf("NewRegistryPublisher: %v", err)
	}

	ref, err := p.Publish(context.Background(), publishRequest(&domain.ArtifactRef{Digest: "sha256:abc123", SourceRef: "git:abc123"}))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ref.Digest != "sha256:feed" || ref.Stage != domain.StagePublish || ref.Reference() != "registry.example.com/team/web@sha256:feed" {
		t.Fatalf("ref=%+v", ref)
	}
	if api.tags[0] != [2]string{"sha256:abc123", "registry.example.com/team/web:abc123"} {
		t.Fatalf("tags=%v", api.tags)
	}
}

func TestRegistryPublisherFallsBackToRepoDigest(t *testing.T) {
	api := &fakeRegistry{
		stream: `{"status":"Layer already exists"}`,
		images: map[string]types.ImageInspect{
			"registry.example.com/team/web:abc123": {RepoDigests: []string{"other/repo@sha256:0000", "registry.example.com/team/web@sha256:feed"}},
		},
	}
	p, _ := NewRegistryPublisher(api, nil, "registry.example.com/team/web", "")
	ref, err := p.Publish(context.Background(), publishRequest(&domain.ArtifactRef{Digest: "sha256:abc123", SourceRef: "git:abc123"}))
	if err != nil || ref.Digest != "sha256:feed" {
		t.Fatalf("ref=%+v err=%v", ref, err)
	}
}

func TestRegistryPublisherErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		api  *fakeRegistry
		want domain.ErrorKind
	}{
		{"denied", &fakeRegistry{stream: `{"errorDetail":{"message":"denied: requested access to the resource is denied"},"error":"denied"}`}, domain.ErrorKindPermanent},
		{"stream failure", &fakeRegistry{stream: `{"errorDetail":{"message":"received unexpected HTTP status: 502 Bad Gateway"},"error":"502"}`}, domain.ErrorKindTransient},
		{"daemon down", &fakeRegistry{pushErr: errdefs.Unavailable(errors.New("daemon restarting"))}, domain.ErrorKindTransient},
		{"missing image", &fakeRegistry{tagErr: errdefs.NotFound(errors.New("no such image"))}, domain.ErrorKindPermanent},
	}
	for _, tc := range cases {
		p, _ := NewRegistryPublisher(tc.api, nil, "registry.example.com/team/web", "")
		_, err := p.Publish(context.Background(), publishRequest(&domain.ArtifactRef{Digest: "sha256:abc123", SourceRef: "git:abc123"}))
		if got := domain.Classify(err); got != tc.want {
			t.Fatalf("%s: kind=%s, want %s (err=%v)", tc.name, got, tc.want, err)
		}
	}
}

func TestPublishRequiresArtifact(t *testing.T) {
	p, _ := NewRegistryPublisher(&fakeRegistry{}, nil, "registry.example.com/team/web", "")
	if _, err := p.Publish(context.Background(), publishRequest(nil)); domain.Classify(err) != domain.ErrorKindPermanent {
		t.Fatalf("err=%v, want permanent", err)
	}
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	infos   map[string]objectstore.ObjectInfo
	puts    int
	statErr error
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}, infos: map[string]objectstore.ObjectInfo{}}
}

func (m *memoryObjects) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, opts objectstore.PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return err
	}
	m.puts++
	m.objects[bucket+"/"+key] = buf.Bytes()
	m.infos[bucket+"/"+key] = objectstore.ObjectInfo{Key: key, Size: size, ContentType: opts.ContentType, Metadata: opts.Metadata}
	return nil
}

func (m *memoryObjects) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statErr != nil {
		return objectstore.ObjectInfo{}, m.statErr
	}
	info, ok := m.infos[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
	}
	return info, nil
}

// sha256("hello")
const helloDigest = "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func writeArtifact(t *testing.T, content string) *domain.ArtifactRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return &domain.ArtifactRef{Digest: helloDigest, Location: "file://" + path, SourceRef: "git:abc123"}
}

func TestBlobPublisher(t *testing.T) {
	store := newMemoryObjects()
	p, err := NewBlobPublisher(store, "artifacts", nil)
	if err != nil {
		t.Fatalf("NewBlobPublisher: %v", err)
	}
	req := publishRequest(writeArtifact(t, "hello"))

	ref, err := p.Publish(context.Background(), req)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	key := "artifacts/sha256/2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if string(store.objects[key]) != "hello" {
		t.Fatalf("blob=%q", store.objects[key])
	}
	if !strings.Contains(string(store.objects["artifacts/tags/web/abc123"]), helloDigest) {
		t.Fatalf("tag pointer=%s", store.objects["artifacts/tags/web/abc123"])
	}
	if ref.Digest != helloDigest || !strings.HasPrefix(ref.Location, "s3://artifacts/sha256/") {
		t.Fatalf("ref=%+v", ref)
	}

	if _, err := p.Publish(context.Background(), req); err != nil {
		t.Fatalf("republish: %v", err)
	}
	// blob + tag, then only the tag again
	if store.puts != 3 {
		t.Fatalf("puts=%d, want 3", store.puts)
	}
}

func TestBlobPublisherRejectsChangedContent(t *testing.T) {
	p, _ := NewBlobPublisher(newMemoryObjects(), "artifacts", nil)
	_, err := p.Publish(context.Background(), publishRequest(writeArtifact(t, "tampered")))
	if domain.Classify(err) != domain.ErrorKindPermanent {
		t.Fatalf("err=%v, want permanent", err)
	}
}

func TestBlobPublisherStoreErrors(t *testing.T) {
	store := newMemoryObjects()
	store.statErr = errors.New("connection reset")
	p, _ := NewBlobPublisher(store, "artifacts", nil)
	_, err := p.Publish(context.Background(), publishRequest(writeArtifact(t, "hello")))
	if domain.Classify(err) != domain.ErrorKindTransient {
		t.Fatalf("err=%v, want transient", err)
	}

	store.statErr = objectstore.ErrAccessDenied
	_, err = p.Publish(context.Background(), publishRequest(writeArtifact(t, "hello")))
	if domain.Classify(err) != domain.ErrorKindPermanent {
		t.Fatalf("err=%v, want permanent", err)
	}
}

func TestBlobKey(t *testing.T) {
	if _, err := BlobKey("md5:abc"); err == nil {
		t.Fatalf("expected error for non-sha256 digest")
	}
	key, err := BlobKey(helloDigest)
	if err != nil || !strings.HasPrefix(key, "sha256/2cf24d") {
		t.Fatalf("key=%q err=%v", key, err)
	}
}
