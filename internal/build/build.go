// Package build implements the build stage: turning a source ref into an
// immutable, digest-addressed artifact.
package build

import (
	"context"
	"strings"

	"github.com/animus-labs/shipyard-go/internal/domain"
)

const (
	LabelSourceRef = "shipyard.dev/source-ref"
	LabelRunID     = "shipyard.dev/run-id"
	LabelTarget    = "shipyard.dev/target"
)

// Builder produces an artifact for req. Calling it again for the same source
// must return the same digest without redoing work.
type Builder interface {
	Build(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error)
}

// TagFor derives an image or blob tag from the trigger. An explicit "tag"
// param wins, otherwise the source ref is reduced to tag-safe characters.
func TagFor(req domain.StageRequest) string {
	if tag := strings.TrimSpace(req.Params["tag"]); tag != "" {
		return sanitizeTag(tag)
	}
	ref := strings.TrimSpace(req.SourceRef)
	if i := strings.LastIndex(ref, ":"); i >= 0 && i < len(ref)-1 {
		ref = ref[i+1:]
	}
	if tag := sanitizeTag(ref); tag != "" {
		return tag
	}
	return "latest"
}

func sanitizeTag(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	tag := strings.TrimLeft(b.String(), ".-")
	if len(tag) > 128 {
		tag = tag[:128]
	}
	return tag
}
