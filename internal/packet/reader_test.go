package packet

import (
	"testing"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
	"github.com/gamevidea/replication/internal/protocol"
)

// header writes a minimal valid packet header with the given flags.
func header(t *testing.T, b *buffer.Buffer, flags uint8) {
	t.Helper()

	must := func(err error) {
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}
	}

	must(b.WriteUint8(protocol.FLAG_DATAGRAM | flags))
	must(b.WriteUint24(0, byteorder.LittleEndian))
	must(b.WriteUint16(0, byteorder.LittleEndian))
	must(b.WriteUint24(0, byteorder.LittleEndian))
	must(b.WriteUint16(0, byteorder.LittleEndian))
}

func TestParseRejectsMissingDatagramFlag(t *testing.T) {
	data := make([]byte, protocol.PACKET_HEADER_SIZE)

	if _, err := Parse(data); err != protocol.IFD_ERROR {
		t.Fatalf("expected IFD_ERROR, got %v", err)
	}
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	if _, err := Parse([]byte{protocol.FLAG_DATAGRAM, 0, 0}); err == nil {
		t.Fatalf("expected an error for a truncated header")
	}
}

func TestParseRejectsLengthBeyondPacket(t *testing.T) {
	b := buffer.New(64)
	header(t, b, 0)

	must := func(err error) {
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}
	}

	must(protocol.WriteVaruint32(b, uint32(protocol.ChannelEntityActions)))
	must(b.WriteUint8(1))
	must(protocol.WriteVaruint32(b, 200))
	must(b.Write([]byte{1, 2, 3}))

	if _, err := Parse(b.Bytes()); err != protocol.ILN_ERROR {
		t.Fatalf("expected ILN_ERROR, got %v", err)
	}
}

func TestParseRejectsFragmentIndexOutOfRange(t *testing.T) {
	b := buffer.New(64)
	header(t, b, protocol.FLAG_FRAGMENT)

	must := func(err error) {
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}
	}

	must(protocol.WriteVaruint32(b, uint32(protocol.ChannelEntityActions)))
	must(protocol.WriteVaruint32(b, 0)) // fragment id
	must(b.WriteUint8(5))               // index
	must(b.WriteUint8(2))               // count

	if _, err := Parse(b.Bytes()); err != protocol.IFI_ERROR {
		t.Fatalf("expected IFI_ERROR, got %v", err)
	}
}

func TestParseStopsAtTerminator(t *testing.T) {
	b := buffer.New(64)
	header(t, b, 0)

	must := func(err error) {
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}
	}

	must(protocol.WriteVaruint32(b, uint32(protocol.ChannelEntityUpdates)))
	must(b.WriteUint8(1))
	must(protocol.WriteVaruint32(b, 2))
	must(b.Write([]byte{7, 8}))
	must(protocol.WriteVaruint32(b, 0))

	parsed, err := Parse(b.Bytes())
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	if len(parsed.Blocks) != 1 || len(parsed.Blocks[0].Messages) != 1 {
		t.Fatalf("expected one block with one message, got %+v", parsed.Blocks)
	}
}
