//go:build purego

package imaging

import "testing"

func TestPureGoBackend(t *testing.T) {
	if Backend != "go" {
		t.Errorf("Backend = %q", Backend)
	}
	if _, ok := NewScorer().(*CorrelationScorer); !ok {
		t.Errorf("NewScorer returned %T", NewScorer())
	}
}
