//go:build !cgo

package embeddings

import (
	"errors"
	"fmt"

	"github.com/oaklabs/oakd/internal/config"
	"go.uber.org/zap"
)

// ErrFastEmbedNotAvailable is returned when the binary was built without
// cgo; use an HTTP provider instead.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (built without cgo)")

func newFastEmbedProvider(_ config.ProviderConfig, _ *zap.Logger) (Provider, error) {
	return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, ErrFastEmbedNotAvailable)
}
