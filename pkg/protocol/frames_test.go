package protocol

import (
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	small := "short output"
	if got := Truncate(small); got != small {
		t.Errorf("small result modified: %q", got)
	}

	big := strings.Repeat("a", MaxResultBytes+1)
	got := Truncate(big)
	if len(got) != MaxResultBytes+len(TruncationMarker) {
		t.Errorf("truncated length = %d", len(got))
	}
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Error("marker missing")
	}

	exact := strings.Repeat("b", MaxResultBytes)
	if got := Truncate(exact); got != exact {
		t.Error("exact-size result truncated")
	}
}
