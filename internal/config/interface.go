package config

import (
	"context"
)

// Loader reads graph documents in one format. Paths may name files or
// directories; every document found is merged into a single Model.
type Loader interface {
	Load(ctx context.Context, paths ...string) (*Model, error)
}
