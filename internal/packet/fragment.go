package packet

import (
	"github.com/gamevidea/replication/internal/protocol"
)

// FragmentCapacity is the number of payload bytes a single fragment can carry:
// whatever is left of the MTU once the packet header, the worst-case fragment
// block overhead and the terminator reservation are taken out.
func FragmentCapacity(mtu int) int {
	return mtu - protocol.PACKET_HEADER_SIZE - protocol.FRAGMENT_BLOCK_SIZE - protocol.TERMINATOR_SIZE
}

// Split slices an oversized serialized message into ordered fragments of at most
// FragmentCapacity bytes each. The sub slices reference the original slice with
// no copying. It returns an error when the message would need more fragments
// than the protocol allows.
func Split(payload []byte, mtu int) ([][]byte, error) {
	size := FragmentCapacity(mtu)
	total := len(payload)

	count := total / size
	if total%size != 0 {
		count += 1
	}

	if count > protocol.MAX_FRAGMENT_COUNT {
		return nil, protocol.EMF_ERROR
	}

	fragments := make([][]byte, 0, count)

	for i := 0; i < count; i++ {
		start := i * size
		end := (i + 1) * size

		if end > total {
			end = total
		}

		fragments = append(fragments, payload[start:end])
	}

	return fragments, nil
}

// FragmentWindow accumulates the fragments of one in-flight message until all of
// them have arrived.
type FragmentWindow struct {
	count     uint8
	fragments map[uint8][]byte
}

func CreateFragmentWindow(count uint8) *FragmentWindow {
	return &FragmentWindow{
		count:     count,
		fragments: map[uint8][]byte{},
	}
}

// Receive stores one fragment and returns the reassembled message once every
// fragment is present, or nil while fragments are still missing.
func (w *FragmentWindow) Receive(index uint8, payload []byte) []byte {
	w.fragments[index] = payload

	if len(w.fragments) != int(w.count) {
		return nil
	}

	size := 0
	for _, f := range w.fragments {
		size += len(f)
	}

	assembled := make([]byte, 0, size)
	for i := uint8(0); i < w.count; i++ {
		assembled = append(assembled, w.fragments[i]...)
	}

	return assembled
}

type fragmentKey struct {
	channel protocol.ChannelID
	id      uint32
}

type fragmentEntry struct {
	window *FragmentWindow
	tick   protocol.Tick
}

// Reassembler tracks the fragment windows of all in-flight fragmented messages
// for one connection, keyed by (channel, fragment id). Windows that stay
// incomplete past the staleness bound are evicted by Cleanup, since a lost
// unreliable fragment is never retransmitted.
type Reassembler struct {
	windows map[fragmentKey]*fragmentEntry
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		windows: map[fragmentKey]*fragmentEntry{},
	}
}

// Receive feeds one parsed fragment part into its window. It returns the fully
// reassembled message bytes once complete, or nil while incomplete. The tick
// is the packet's send tick, recorded for staleness eviction.
func (r *Reassembler) Receive(part *FragmentPart, tick protocol.Tick) ([]byte, error) {
	if part.Index >= part.Count {
		return nil, protocol.IFI_ERROR
	}

	if int(part.Count) > protocol.MAX_FRAGMENT_COUNT {
		return nil, protocol.EMF_ERROR
	}

	key := fragmentKey{channel: part.Channel, id: part.ID}

	entry, ok := r.windows[key]
	if !ok {
		entry = &fragmentEntry{window: CreateFragmentWindow(part.Count)}
		r.windows[key] = entry
	}
	entry.tick = tick

	assembled := entry.window.Receive(part.Index, part.Payload)
	if assembled == nil {
		return nil, nil
	}

	delete(r.windows, key)

	if len(assembled) > protocol.MAX_MESSAGE_SIZE {
		return nil, protocol.MTL_ERROR
	}

	return assembled, nil
}

// Cleanup evicts every incomplete window whose last fragment arrived more than
// the staleness bound behind the current tick.
func (r *Reassembler) Cleanup(current protocol.Tick) {
	for key, entry := range r.windows {
		if protocol.TickDiff(current, entry.tick) > protocol.FRAGMENT_TICK_STALE {
			delete(r.windows, key)
		}
	}
}
