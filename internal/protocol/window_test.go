package protocol

import (
	"slices"
	"testing"
)

func TestSequenceWindowDeduplicates(t *testing.T) {
	w := CreateSequenceWindow()

	if !w.Receive(0) {
		t.Fatalf("expected first delivery of sequence 0 to be accepted")
	}

	if w.Receive(0) {
		t.Fatalf("expected duplicate of sequence 0 to be rejected")
	}
}

func TestSequenceWindowReportsGapsAsNacks(t *testing.T) {
	w := CreateSequenceWindow()

	if !w.Receive(0) || !w.Receive(3) {
		t.Fatalf("expected sequences 0 and 3 to be accepted")
	}

	if !slices.Contains(w.Nacks, 1) || !slices.Contains(w.Nacks, 2) {
		t.Fatalf("expected sequences 1 and 2 to be reported lost, got %v", w.Nacks)
	}

	if !w.Receive(1) {
		t.Fatalf("expected late sequence 1 to be accepted")
	}

	if slices.Contains(w.Nacks, 1) {
		t.Fatalf("expected late arrival to clear the pending nack for sequence 1")
	}
}

func TestSequenceWindowShiftAdvancesPastHighest(t *testing.T) {
	w := CreateSequenceWindow()

	w.Receive(0)
	w.Receive(1)
	w.Receive(2)
	w.Shift()

	if w.Receive(1) {
		t.Fatalf("expected sequence behind the shifted window to be rejected")
	}
}

func TestRecoveryWindowRetransmitConsumesEntry(t *testing.T) {
	w := CreateRecoveryWindow()
	w.Add(7, []byte{1, 2, 3})

	body := w.Retransmit(7)
	if body == nil {
		t.Fatalf("expected stored datagram for sequence 7")
	}

	if w.Retransmit(7) != nil {
		t.Fatalf("expected a second retransmit of sequence 7 to find nothing")
	}
}

func TestRecoveryWindowAcknowledgeDropsEntry(t *testing.T) {
	w := CreateRecoveryWindow()
	w.Add(7, []byte{1, 2, 3})
	w.Acknowledge(7)

	if w.Retransmit(7) != nil {
		t.Fatalf("expected acknowledged datagram to be dropped")
	}
}
