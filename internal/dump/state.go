package dump

import "github.com/getsentry/astack/internal/vm"

// StateLabel decodes a raw thread state word into the display label used in
// thread dump headers. Checks run in a fixed priority order; the first
// matching bit wins.
func StateLabel(state vm.ThreadState) string {
	if state&vm.StateAlive == 0 {
		if state&vm.StateTerminated != 0 {
			return "TERMINATED"
		}
		return "NEW"
	}
	if state&vm.StateRunnable != 0 {
		return "RUNNABLE"
	}
	if state&vm.StateBlockedOnMonitorEnter != 0 {
		return "BLOCKED"
	}
	if state&vm.StateWaitingIndefinitely != 0 {
		if state&vm.StateInObjectWait != 0 {
			return "WAITING (on object monitor)"
		}
		if state&vm.StateParked != 0 {
			return "WAITING (parking)"
		}
		return "WAITING"
	}
	if state&vm.StateWaitingWithTimeout != 0 {
		if state&vm.StateInObjectWait != 0 {
			return "TIMED_WAITING (on object monitor)"
		}
		if state&vm.StateParked != 0 {
			return "TIMED_WAITING (parking)"
		}
		if state&vm.StateSleeping != 0 {
			return "TIMED_WAITING (sleeping)"
		}
		return "TIMED_WAITING"
	}
	return "UNKNOWN"
}
