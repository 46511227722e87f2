package protocol

// Tick is a wrapping 16-bit logical simulation counter. Comparisons must go
// through the signed difference helpers below so that wraparound is handled the
// same way sequence numbers are.
type Tick uint16

// TickDiff returns the signed distance from b to a. A positive result means a is
// ahead of b, accounting for wraparound.
func TickDiff(a, b Tick) int16 {
	return int16(a - b)
}

// After reports whether t is strictly ahead of o.
func (t Tick) After(o Tick) bool {
	return int16(t-o) > 0
}

// AtLeast reports whether t has reached o.
func (t Tick) AtLeast(o Tick) bool {
	return int16(t-o) >= 0
}

// MessageID is a wrapping sequence number scoped to one (group, message kind)
// pair. It uses the same signed comparison discipline as Tick.
type MessageID uint16

// IDDiff returns the signed distance from b to a.
func IDDiff(a, b MessageID) int16 {
	return int16(a - b)
}

// Before reports whether m is strictly behind o.
func (m MessageID) Before(o MessageID) bool {
	return int16(m-o) < 0
}
