package loopdetect

import (
	"fmt"
	"strings"
	"testing"
)

func TestIdenticalCallsBlocked(t *testing.T) {
	d := New()
	input := map[string]any{"path": "main.go"}

	for i := 0; i < 3; i++ {
		if v := d.RecordCall("read_file", input); v.Blocked {
			t.Fatalf("call %d unexpectedly blocked: %s", i+1, v.Reason)
		}
		d.RecordResult("read_file", true, input)
	}
	v := d.RecordCall("read_file", input)
	if !v.Blocked {
		t.Fatal("4th identical call not blocked")
	}
	if !strings.Contains(v.Reason, "identical") || !strings.Contains(v.Reason, "made 4 times in window") {
		t.Errorf("reason should say the call was made 4 times in the window: %q", v.Reason)
	}
}

func TestDistinctInputsNotBlocked(t *testing.T) {
	d := New()
	for i := 0; i < 10; i++ {
		input := map[string]any{"path": fmt.Sprintf("file%d.go", i)}
		if v := d.RecordCall("read_file", input); v.Blocked {
			t.Fatalf("distinct call %d blocked: %s", i, v.Reason)
		}
		d.RecordResult("read_file", true, input)
	}
}

func TestWindowSlides(t *testing.T) {
	d := New()
	target := map[string]any{"path": "x"}

	// Three identical calls, then enough distinct calls to push them out.
	for i := 0; i < 3; i++ {
		d.RecordCall("read_file", target)
		d.RecordResult("read_file", true, target)
	}
	for i := 0; i < windowSize; i++ {
		in := map[string]any{"path": fmt.Sprintf("other%d", i)}
		d.RecordCall("read_file", in)
		d.RecordResult("read_file", true, in)
	}
	if v := d.RecordCall("read_file", target); v.Blocked {
		t.Errorf("call outside window blocked: %s", v.Reason)
	}
}

func TestConsecutiveErrorsBlock(t *testing.T) {
	d := New()
	for i := 0; i < 3; i++ {
		in := map[string]any{"cmd": fmt.Sprintf("try%d", i)}
		if v := d.RecordCall("exec", in); v.Blocked {
			t.Fatalf("call %d blocked early: %s", i, v.Reason)
		}
		d.RecordResult("exec", false, in)
	}
	v := d.RecordCall("exec", map[string]any{"cmd": "try4"})
	if !v.Blocked {
		t.Fatal("expected block after 3 consecutive errors")
	}
}

func TestSuccessResetsConsecutiveErrors(t *testing.T) {
	d := New()
	for i := 0; i < 2; i++ {
		in := map[string]any{"cmd": fmt.Sprintf("a%d", i)}
		d.RecordCall("exec", in)
		d.RecordResult("exec", false, in)
	}
	ok := map[string]any{"cmd": "works"}
	d.RecordCall("exec", ok)
	d.RecordResult("exec", true, ok)

	if v := d.RecordCall("exec", map[string]any{"cmd": "next"}); v.Blocked {
		t.Errorf("blocked after success reset: %s", v.Reason)
	}
}

func TestFailedStrategyPermanentlyBlocked(t *testing.T) {
	d := New()
	in := map[string]any{"cmd": "rm -rf build"}
	d.RecordCall("exec", in)
	d.RecordResult("exec", false, in)

	d.ResetTurn()

	// Same input, different map construction order equivalent.
	again := map[string]any{"cmd": "rm -rf build"}
	v := d.RecordCall("exec", again)
	if !v.Blocked {
		t.Fatal("failed strategy not blocked after ResetTurn")
	}
}

func TestTurnErrorLimit(t *testing.T) {
	d := New()
	// Spread errors across tools so the per-tool limit does not fire first.
	tools := []string{"a", "b", "c", "d", "e"}
	for i, name := range tools {
		in := map[string]any{"n": fmt.Sprintf("%d", i)}
		if v := d.RecordCall(name, in); v.Blocked {
			t.Fatalf("call %d blocked early: %s", i, v.Reason)
		}
		d.RecordResult(name, false, in)
	}
	if v := d.RecordCall("f", map[string]any{"n": "6"}); !v.Blocked {
		t.Fatal("expected block at turn error limit")
	}
}

func TestSessionErrorLimitSurvivesResetTurn(t *testing.T) {
	d := New()
	for i := 0; i < 10; i++ {
		in := map[string]any{"n": fmt.Sprintf("%d", i)}
		d.RecordCall("web_fetch", in)
		d.RecordResult("web_fetch", false, in)
		d.ResetTurn()
	}
	v := d.RecordCall("web_fetch", map[string]any{"n": "fresh"})
	if !v.Blocked {
		t.Fatal("expected session-level block after 10 errors")
	}
}

func TestEndTurnBailsAfterConsecutiveFailedTurns(t *testing.T) {
	d := New()
	for turn := 0; turn < 3; turn++ {
		in := map[string]any{"n": fmt.Sprintf("%d", turn)}
		d.RecordCall("exec", in)
		d.RecordResult("exec", false, in)
		v := d.EndTurn()
		if turn < 2 && v.Blocked {
			t.Fatalf("bailed early at turn %d", turn)
		}
		if turn == 2 && !v.Blocked {
			t.Fatal("expected bail after 3 failed turns")
		}
		d.ResetTurn()
	}
}

func TestSuccessfulTurnResetsFailedTurnCount(t *testing.T) {
	d := New()
	for turn := 0; turn < 2; turn++ {
		in := map[string]any{"n": fmt.Sprintf("%d", turn)}
		d.RecordCall("exec", in)
		d.RecordResult("exec", false, in)
		d.EndTurn()
		d.ResetTurn()
	}
	// Clean turn.
	d.EndTurn()
	d.ResetTurn()

	in := map[string]any{"n": "z"}
	d.RecordCall("exec", in)
	d.RecordResult("exec", false, in)
	if v := d.EndTurn(); v.Blocked {
		t.Errorf("bailed after count should have reset: %s", v.Reason)
	}
}

func TestFailedStrategiesTrim(t *testing.T) {
	d := New()
	for i := 0; i < failedStrategiesCap+1; i++ {
		in := map[string]any{"n": fmt.Sprintf("%d", i)}
		d.RecordCall("exec", in)
		d.RecordResult("exec", false, in)
		d.ResetTurn()
	}
	if got := len(d.failedOrder); got != failedStrategiesTrimTo {
		t.Errorf("failedOrder length = %d, want %d", got, failedStrategiesTrimTo)
	}
	if got := len(d.failedSet); got != failedStrategiesTrimTo {
		t.Errorf("failedSet length = %d, want %d", got, failedStrategiesTrimTo)
	}
	// The newest entries survive the trim.
	newest := InputHash("exec", map[string]any{"n": fmt.Sprintf("%d", failedStrategiesCap)})
	if _, ok := d.failedSet[newest]; !ok {
		t.Error("newest failed strategy dropped by trim")
	}
}

func TestResetClearsEverything(t *testing.T) {
	d := New()
	in := map[string]any{"cmd": "x"}
	d.RecordCall("exec", in)
	d.RecordResult("exec", false, in)
	d.Reset()

	if v := d.RecordCall("exec", in); v.Blocked {
		t.Errorf("blocked after full reset: %s", v.Reason)
	}
}

func TestInputHashDeterministic(t *testing.T) {
	a := InputHash("t", map[string]any{"x": 1, "y": "z", "nested": map[string]any{"b": true, "a": []any{1.0, "s"}}})
	b := InputHash("t", map[string]any{"nested": map[string]any{"a": []any{1.0, "s"}, "b": true}, "y": "z", "x": 1})
	if a != b {
		t.Error("hash depends on key order")
	}
	c := InputHash("other", map[string]any{"x": 1})
	e := InputHash("t", map[string]any{"x": 1})
	if c == e {
		t.Error("hash ignores tool name")
	}
}
