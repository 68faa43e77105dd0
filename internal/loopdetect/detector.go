// Package loopdetect breaks tool-call loops with turn- and session-level
// circuit breakers. The turn loop consults it before and after every tool
// execution; a Block becomes a synthetic tool_result so the model receives
// corrective feedback, a Bail terminates the turn loop.
package loopdetect

import (
	"fmt"
	"sync"
)

// Thresholds.
const (
	identicalCallLimit     = 4
	windowSize             = 20
	consecutiveErrorLimit  = 3
	turnErrorLimit         = 5
	sessionToolErrorLimit  = 10
	consecutiveFailedTurns = 3
	failedStrategiesCap    = 200
	failedStrategiesTrimTo = 100
)

// Verdict is the outcome of a pre-call check.
type Verdict struct {
	Blocked bool
	Reason  string
}

var ok = Verdict{}

func block(format string, args ...any) Verdict {
	return Verdict{Blocked: true, Reason: fmt.Sprintf(format, args...)}
}

type callRecord struct {
	name string
	hash string
}

// Detector tracks tool-call patterns for one conversation. Sub-agents get
// a fresh Detector; session counters survive resetTurn but not Reset.
type Detector struct {
	mu sync.Mutex

	// Per-turn state, cleared by ResetTurn.
	window            []callRecord
	consecutiveErrors map[string]int
	turnErrors        int

	// Per-session state, cleared by Reset.
	sessionErrors   map[string]int
	failedSet       map[string]struct{}
	failedOrder     []string
	failedTurnCount int
}

func New() *Detector {
	return &Detector{
		consecutiveErrors: make(map[string]int),
		sessionErrors:     make(map[string]int),
		failedSet:         make(map[string]struct{}),
	}
}

// RecordCall must be invoked sequentially before launching each tool so
// Block decisions are deterministic under parallel dispatch.
func (d *Detector) RecordCall(name string, input map[string]any) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	hash := InputHash(name, input)

	if _, failed := d.failedSet[hash]; failed {
		return block("this exact %s call already failed earlier in the session; try a different approach", name)
	}

	d.window = append(d.window, callRecord{name: name, hash: hash})
	if len(d.window) > windowSize {
		d.window = d.window[len(d.window)-windowSize:]
	}
	identical := 0
	for _, rec := range d.window {
		if rec.hash == hash {
			identical++
		}
	}
	if identical >= identicalCallLimit {
		return block("identical %s call made %d times in window of %d calls; stop repeating it", name, identical, windowSize)
	}

	if d.consecutiveErrors[name] >= consecutiveErrorLimit {
		return block("%s failed %d times in a row; do not retry it with the same approach", name, d.consecutiveErrors[name])
	}
	if d.turnErrors >= turnErrorLimit {
		return block("%d tool errors this turn; stop and reconsider the plan", d.turnErrors)
	}
	if d.sessionErrors[name] >= sessionToolErrorLimit {
		return block("%s has failed %d times this session; it is disabled for now", name, d.sessionErrors[name])
	}
	return ok
}

// RecordResult must be invoked after each tool execution completes.
func (d *Detector) RecordResult(name string, success bool, input map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if success {
		d.consecutiveErrors[name] = 0
		return
	}
	d.consecutiveErrors[name]++
	d.turnErrors++
	d.sessionErrors[name]++
	d.addFailedStrategy(InputHash(name, input))
}

// addFailedStrategy appends hash to the failed set, trimming oldest entries
// once the cap is hit so the set stays bounded across long sessions.
func (d *Detector) addFailedStrategy(hash string) {
	if _, exists := d.failedSet[hash]; exists {
		return
	}
	d.failedSet[hash] = struct{}{}
	d.failedOrder = append(d.failedOrder, hash)
	if len(d.failedOrder) > failedStrategiesCap {
		drop := d.failedOrder[:len(d.failedOrder)-failedStrategiesTrimTo]
		for _, h := range drop {
			delete(d.failedSet, h)
		}
		d.failedOrder = append([]string(nil), d.failedOrder[len(d.failedOrder)-failedStrategiesTrimTo:]...)
	}
}

// EndTurn reports whether the loop should bail after a run of failed turns.
// Call after all results of a turn have been recorded.
func (d *Detector) EndTurn() Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.turnErrors > 0 {
		d.failedTurnCount++
	} else {
		d.failedTurnCount = 0
	}
	if d.failedTurnCount >= consecutiveFailedTurns {
		return block("%d consecutive turns ended in tool errors; stop and ask the user how to proceed", d.failedTurnCount)
	}
	return ok
}

// ResetTurn clears per-turn state. Session counters and the failed-strategy
// set survive across turns.
func (d *Detector) ResetTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
	d.consecutiveErrors = make(map[string]int)
	d.turnErrors = 0
}

// Reset clears all state, turn and session.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
	d.consecutiveErrors = make(map[string]int)
	d.turnErrors = 0
	d.sessionErrors = make(map[string]int)
	d.failedSet = make(map[string]struct{})
	d.failedOrder = nil
	d.failedTurnCount = 0
}
