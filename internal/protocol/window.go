package protocol

import "slices"

// SequenceWindow tracks the datagram sequence numbers received from the peer. It
// deduplicates datagrams, records which sequences should be acknowledged within the
// current flush interval and which gaps should be reported as lost.
type SequenceWindow struct {
	Start   uint32
	End     uint32
	Highest uint32
	Acks    []uint32
	Nacks   []uint32
}

func CreateSequenceWindow() *SequenceWindow {
	return &SequenceWindow{
		Start: 0,
		End:   WINDOW_SIZE,
		Acks:  make([]uint32, 0, WINDOW_SIZE),
		Nacks: make([]uint32, 0, WINDOW_SIZE),
	}
}

// Receive records an incoming datagram sequence number. It returns false if the
// sequence falls outside the window or was already seen, in which case the datagram
// must be discarded as a duplicate.
func (w *SequenceWindow) Receive(seq uint32) bool {
	if seq < w.Start || seq > w.End || slices.Contains(w.Acks, seq) {
		return false
	}

	w.Acks = append(w.Acks, seq)
	w.Nacks = remove(w.Nacks, seq)

	if seq > w.Highest {
		w.Highest = seq
	}

	if seq == w.Start {
		for slices.Contains(w.Acks, w.Start) {
			w.Start += 1
			w.End += 1
		}
	} else {
		for i := w.Start; i < seq; i++ {
			if !slices.Contains(w.Acks, i) && !slices.Contains(w.Nacks, i) {
				w.Nacks = append(w.Nacks, i)
			}
		}
	}

	return true
}

// Shift advances the window past the highest sequence received so that the ack slice
// does not grow without bound across flush intervals.
func (w *SequenceWindow) Shift() {
	diff := w.Highest - w.Start

	if diff > 0 {
		w.Start += diff
		w.End += diff
	}
}

// RecoveryWindow stores serialized reliable datagrams keyed by their sequence number
// until the peer acknowledges them, so that a reported loss can be answered with a
// retransmission under a fresh sequence number.
type RecoveryWindow struct {
	unacked map[uint32][]byte
}

func CreateRecoveryWindow() *RecoveryWindow {
	return &RecoveryWindow{
		unacked: map[uint32][]byte{},
	}
}

// Add stores the serialized datagram body (without its header) for possible
// retransmission.
func (w *RecoveryWindow) Add(seq uint32, body []byte) {
	w.unacked[seq] = body
}

// Acknowledge drops the stored datagram for the sequence, if any.
func (w *RecoveryWindow) Acknowledge(seq uint32) {
	delete(w.unacked, seq)
}

// Retransmit removes and returns the stored datagram body for a lost sequence. It
// returns nil when the sequence was never stored or was already acknowledged, which
// is expected for unreliable datagrams.
func (w *RecoveryWindow) Retransmit(seq uint32) []byte {
	body, ok := w.unacked[seq]
	if !ok {
		return nil
	}

	delete(w.unacked, seq)
	return body
}

func remove[T comparable](l []T, item T) []T {
	for i, other := range l {
		if other == item {
			return append(l[:i], l[i+1:]...)
		}
	}
	return l
}
