package record

// Governor decimates a source's native frame rate by an integer divisor.
// Keyframes are always kept and reset the cadence, so every segment remains
// decodable from its first retained frame; only non-keyframes are subject to
// the modulo drop decision. The decision uses a per-source counter, never
// wall-clock time, so a given input sequence always yields the same output
// sequence.
type Governor struct {
	divisor int
	count   uint64
}

// NewGovernor returns a Governor keeping one non-keyframe out of every
// divisor. A divisor below 2 keeps everything.
func NewGovernor(divisor int) *Governor {
	if divisor < 1 {
		divisor = 1
	}
	return &Governor{divisor: divisor}
}

// Keep reports whether this access unit is retained.
func (g *Governor) Keep(isKeyframe bool) bool {
	if isKeyframe {
		g.count = 0
		return true
	}
	if g.divisor == 1 {
		return true
	}
	g.count++
	return g.count%uint64(g.divisor) == 0
}

// Reset clears the cadence counter.
func (g *Governor) Reset() {
	g.count = 0
}
