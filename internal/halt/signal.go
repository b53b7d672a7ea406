// Package halt implements the root safety primitive of the kernel: a
// per-module halt signal, the manager that owns it, and the process-wide
// mesh that cascades halts across module dependencies.
//
// The one hard numeric invariant in the kernel lives here: setting the
// local signal must complete in under 50ms with no I/O on the path. The
// signal is therefore a single atomic pointer swap; everything slower
// (logging, auditing, cascading) happens after the latency measurement.
package halt

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// haltState is the immutable payload published when a signal is set.
type haltState struct {
	haltID string
	setAt  time.Time
}

// Signal is an atomic halt flag plus identifier. It is owned exclusively by
// one Manager; readers may poll it lock-free from any goroutine.
type Signal struct {
	cur atomic.Pointer[haltState]
}

// Set publishes the halt. If the signal is already set the existing halt
// wins and Set reports false: once set, the halt id is stable until cleared.
func (s *Signal) Set(haltID string, at time.Time) bool {
	return s.cur.CompareAndSwap(nil, &haltState{haltID: haltID, setAt: at})
}

// Clear resets the signal.
func (s *Signal) Clear() {
	s.cur.Store(nil)
}

// IsSet reports whether the halt is active.
func (s *Signal) IsSet() bool {
	return s.cur.Load() != nil
}

// Snapshot returns the active halt id and set time, if any.
func (s *Signal) Snapshot() (haltID string, setAt time.Time, set bool) {
	st := s.cur.Load()
	if st == nil {
		return "", time.Time{}, false
	}
	return st.haltID, st.setAt, true
}

// Error is the typed failure returned by CheckHalt. It propagates to the
// caller untouched; the kernel never catches and ignores it.
type Error struct {
	ModuleID string
	HaltID   string
	SetAt    time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("module %s halted (halt_id=%s, set_at=%s)",
		e.ModuleID, e.HaltID, e.SetAt.Format(time.RFC3339Nano))
}

// ReasonCode returns the machine-readable rejection code.
func (e *Error) ReasonCode() string { return "HALT_ACTIVE" }

// Invariant names the enforcement this error carries.
func (e *Error) Invariant() string { return "halt-fail-closed" }

// newHaltID builds a halt identifier without touching crypto/rand: the hot
// path must not perform I/O, and a monotonic per-process sequence keyed by
// the requesting module is sufficient for audit correlation.
var haltSeq atomic.Int64

func newHaltID(moduleID string) string {
	n := haltSeq.Add(1)
	return "halt-" + moduleID + "-" + strconv.FormatInt(time.Now().UnixNano(), 36) +
		"-" + strconv.FormatInt(n, 10)
}
