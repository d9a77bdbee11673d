//go:build purego

package imaging

// Backend names the active matching implementation.
const Backend = "go"

// NewScorer returns the scorer for the active backend.
func NewScorer() Scorer {
	return NewCorrelationScorer()
}

// DefaultFixup is the frame and template normalization for the active backend.
var DefaultFixup FixupFunc = Fixup
