// Package publish pushes built artifacts to where clusters pull them from.
package publish

import (
	"context"

	"github.com/animus-labs/shipyard-go/internal/domain"
)

// Publisher makes req.Artifact available under a content digest. Publishing
// the same content again is a no-op success.
type Publisher interface {
	Publish(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error)
}
