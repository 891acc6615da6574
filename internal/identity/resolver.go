// Package identity resolves face ids returned by the face search into people.
package identity

import (
	"context"
	"errors"
	"fmt"
)

// Record is the person bound to a face id.
type Record struct {
	FaceID   string `json:"face_id"`
	FullName string `json:"full_name"`
}

// Resolver looks up the identity bound to a face id.
// A nil record with a nil error means the face id has no identity.
type Resolver interface {
	Resolve(ctx context.Context, faceID string) (*Record, error)
}

// LookupServiceError reports that the identity store could not be reached or refused the request.
type LookupServiceError struct {
	FaceID string
	Err    error
}

func (e *LookupServiceError) Error() string {
	return fmt.Sprintf("identity lookup for %q: %v", e.FaceID, e.Err)
}

func (e *LookupServiceError) Unwrap() error { return e.Err }

// IsLookupServiceError reports whether err wraps a *LookupServiceError.
func IsLookupServiceError(err error) bool {
	var target *LookupServiceError
	return errors.As(err, &target)
}
