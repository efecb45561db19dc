package catalog

import "errors"

// Common errors for catalog operations.
var (
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotOwner          = errors.New("artifact belongs to a different owner")

	ErrCredentialNotFound = errors.New("chat credential not found")
)
