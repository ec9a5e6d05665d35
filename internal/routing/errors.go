package routing

import (
	"fmt"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// ModelNotFoundError reports that no GlobalModel matched the requested
// name through any resolution step.
type ModelNotFoundError struct {
	Name string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("routing: model %q not found", e.Name)
}

// ForbiddenError reports that the authenticated (user, api key) pair
// is not allowed to reach the requested model or dialect.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "routing: " + e.Reason
}

// NoCandidatesError reports that the model resolved but no usable
// (provider, endpoint, key) triple exists for the client's dialect.
type NoCandidatesError struct {
	Model  string
	Format apiformat.Format
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("routing: no usable endpoint for model %q from format %s", e.Model, e.Format)
}
