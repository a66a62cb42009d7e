package detector

// Handle identifies a supervised OS process well enough to survive daemon
// restarts. A pid alone can be recycled by the kernel; the (pid, start time)
// pair cannot, so a persisted Handle is only trusted when both match.
type Handle struct {
	PID       int   `json:"pid"`
	StartUnix int64 `json:"start_unix"`
}

// Capture returns a Handle for pid with its observed start time.
// StartUnix is 0 when the platform cannot report it.
func Capture(pid int) Handle {
	return Handle{PID: pid, StartUnix: StartUnix(pid)}
}

// Matches reports whether a live process still corresponds to h.
// When h carries no start time the pid liveness check alone decides.
func (h Handle) Matches() bool {
	if !Alive(h.PID) {
		return false
	}
	if h.StartUnix > 0 {
		cur := StartUnix(h.PID)
		if cur > 0 && cur != h.StartUnix {
			return false // pid reused by an unrelated process
		}
	}
	return true
}
