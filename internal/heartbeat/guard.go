package heartbeat

// AttemptGuard tracks attempt counts per named phase. Redundant heartbeat
// sources may fire in overlapping windows; the guard keeps phase work
// at-most-once (Once) and retry budgets honest (Next). Only ever touched
// from the consumer loop, so it carries no locking.
type AttemptGuard struct {
	attempts map[string]int
}

func NewAttemptGuard() *AttemptGuard {
	return &AttemptGuard{attempts: make(map[string]int)}
}

// Once reports true the first time it is called for phase and false on
// every call after that.
func (g *AttemptGuard) Once(phase string) bool {
	if g.attempts[phase] > 0 {
		return false
	}
	g.attempts[phase] = 1
	return true
}

// Next records another attempt at phase and returns the attempt number,
// starting at 1.
func (g *AttemptGuard) Next(phase string) int {
	g.attempts[phase]++
	return g.attempts[phase]
}

// Count returns the attempts recorded for phase.
func (g *AttemptGuard) Count(phase string) int {
	return g.attempts[phase]
}

// Reset clears the attempt history for phase.
func (g *AttemptGuard) Reset(phase string) {
	delete(g.attempts, phase)
}
