// Package facematch searches a managed face collection for faces similar to the one in a payload.
package facematch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/face-lookup/internal/imagenormalizer"
)

// Candidate is one face from the collection that matched the searched image.
type Candidate struct {
	FaceID          string  `json:"face_id"`
	Confidence      float64 `json:"confidence"`
	Similarity      float64 `json:"similarity"`
	ExternalImageID string  `json:"external_image_id,omitempty"`
}

// Client exposes the face search used by the lookup flow. An empty slice means no matches.
type Client interface {
	Search(ctx context.Context, payload *imagenormalizer.Payload) ([]Candidate, error)
}

// MatchServiceError reports a transport, auth or service failure of the face search.
type MatchServiceError struct {
	Op  string
	Err error
}

func (e *MatchServiceError) Error() string {
	return fmt.Sprintf("face match service: %s: %v", e.Op, e.Err)
}

func (e *MatchServiceError) Unwrap() error { return e.Err }

// IsMatchServiceError reports whether err wraps a *MatchServiceError.
func IsMatchServiceError(err error) bool {
	var target *MatchServiceError
	return errors.As(err, &target)
}
