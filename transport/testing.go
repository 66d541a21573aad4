package transport

import (
	"fmt"

	"github.com/google/uuid"
)

// NewTestEndpoint returns a unique endpoint for tests, prefixed with a
// human-readable name so failures are attributable.
func NewTestEndpoint(name string) Endpoint {
	return Endpoint(fmt.Sprintf("%s-%s", name, uuid.New().String()[0:8]))
}
