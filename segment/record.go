// Package segment implements the segment-state table (the "Segment
// Manager" of spec.md §4.1) and the open-segment write aggregator
// (spec.md §4.3). Both are grounded on the teacher's hashindex package:
// segment.go's CRC-guarded record framing is kept and generalized from
// a one-file-per-segment layout to fixed-size slots inside a single
// contiguous device, and shard.go's map-based index is replaced
// (moved to the index package) by a fixed-size open-addressed table.
package segment

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/intellect4all/blockkv/common"
	"github.com/intellect4all/blockkv/digest"
)

// Record on-disk layout, one per KV in a segment:
//
//	[ crc32(4) | timestamp(8) | digest(20) | keyLen(4) | valueLen(4) | selfOffset(4) | key | value ]
//
// selfOffset is the record's own offset within the segment payload; it
// lets recovery verify the header it just parsed was written where it
// claims to be, and gives the index a value to rebuild from without
// needing a separate offset table.
const HeaderSize = 4 + 8 + digest.Size + 4 + 4 + 4

// SegHeader is the fixed preamble of a serialized segment image.
//
//	[ recordCount(4) | usedBytes(4) ]
const SegHeaderSize = 4 + 4

// Record is a decoded on-disk KV record.
type Record struct {
	Digest     digest.Digest
	Timestamp  int64
	Key        []byte
	Value      []byte
	SelfOffset uint32
}

// Size returns the encoded size of the record (header + key + value).
func (r *Record) Size() uint32 {
	return HeaderSize + uint32(len(r.Key)) + uint32(len(r.Value))
}

// Encode appends the wire representation of r at offset selfOffset to
// dst and returns the extended slice.
func Encode(dst []byte, d digest.Digest, timestamp int64, key, value []byte, selfOffset uint32) []byte {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(header[4:12], uint64(timestamp))
	copy(header[12:12+digest.Size], d[:])
	off := 12 + digest.Size
	binary.LittleEndian.PutUint32(header[off:off+4], uint32(len(key)))
	binary.LittleEndian.PutUint32(header[off+4:off+8], uint32(len(value)))
	binary.LittleEndian.PutUint32(header[off+8:off+12], selfOffset)

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(key)
	crc.Write(value)
	binary.LittleEndian.PutUint32(header[0:4], crc.Sum32())

	dst = append(dst, header...)
	dst = append(dst, key...)
	dst = append(dst, value...)
	return dst
}

// Decode parses a single record starting at buf[0] and returns it
// along with the number of bytes consumed. It returns common.ErrCorrupt
// if the CRC does not verify.
func Decode(buf []byte) (Record, uint32, error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, errors.Wrap(common.ErrCorrupt, "short record header")
	}
	crcStored := binary.LittleEndian.Uint32(buf[0:4])
	timestamp := int64(binary.LittleEndian.Uint64(buf[4:12]))
	var d digest.Digest
	copy(d[:], buf[12:12+digest.Size])
	off := 12 + digest.Size
	keyLen := binary.LittleEndian.Uint32(buf[off : off+4])
	valLen := binary.LittleEndian.Uint32(buf[off+4 : off+8])
	selfOffset := binary.LittleEndian.Uint32(buf[off+8 : off+12])

	total := HeaderSize + keyLen + valLen
	if uint32(len(buf)) < total {
		return Record{}, 0, errors.Wrap(common.ErrCorrupt, "short record body")
	}

	crc := crc32.NewIEEE()
	crc.Write(buf[4:HeaderSize])
	crc.Write(buf[HeaderSize : HeaderSize+keyLen])
	crc.Write(buf[HeaderSize+keyLen : total])
	if crc.Sum32() != crcStored {
		return Record{}, 0, errors.Wrapf(common.ErrCorrupt, "record crc mismatch at self-offset %d", selfOffset)
	}

	key := make([]byte, keyLen)
	copy(key, buf[HeaderSize:HeaderSize+keyLen])
	value := make([]byte, valLen)
	copy(value, buf[HeaderSize+keyLen:total])

	return Record{
		Digest:     d,
		Timestamp:  timestamp,
		Key:        key,
		Value:      value,
		SelfOffset: selfOffset,
	}, total, nil
}
