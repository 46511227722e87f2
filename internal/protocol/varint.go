package protocol

import "github.com/gamevidea/binary/buffer"

// Varuints are base-128 encoded with the high bit of each byte marking
// continuation. Channel ids, group ids, entity ids and payload lengths use this
// encoding on the wire since small values dominate.

// Writes a varuint32 to the buffer and returns an error if the operation has failed.
func WriteVaruint32(b *buffer.Buffer, v uint32) error {
	for v >= 0x80 {
		if err := b.WriteUint8(byte(v) | 0x80); err != nil {
			return err
		}
		v >>= 7
	}
	return b.WriteUint8(byte(v))
}

// Reads a varuint32 from the buffer and returns an error if the operation has failed.
func ReadVaruint32(b *buffer.Buffer) (uint32, error) {
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		c, err := b.ReadUint8()
		if err != nil {
			return 0, err
		}
		v |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, IVE_ERROR
}

// Writes a varuint64 to the buffer and returns an error if the operation has failed.
func WriteVaruint64(b *buffer.Buffer, v uint64) error {
	for v >= 0x80 {
		if err := b.WriteUint8(byte(v) | 0x80); err != nil {
			return err
		}
		v >>= 7
	}
	return b.WriteUint8(byte(v))
}

// Reads a varuint64 from the buffer and returns an error if the operation has failed.
func ReadVaruint64(b *buffer.Buffer) (uint64, error) {
	var v uint64
	for shift := 0; shift < 70; shift += 7 {
		c, err := b.ReadUint8()
		if err != nil {
			return 0, err
		}
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, IVE_ERROR
}

// SizeVaruint32 returns the encoded size of v in bytes.
func SizeVaruint32(v uint32) int {
	size := 1
	for v >= 0x80 {
		v >>= 7
		size += 1
	}
	return size
}
