// Package objrewrite rewrites the embedded timestamp in a COFF (or
// bigobj) object file produced by a cache hit, so incremental linkers see
// it as freshly built (§4.1 "COFF timestamp rewrite").
package objrewrite

import (
	"encoding/binary"
	"fmt"
)

// classicTimestampOffset is the byte offset of the 32-bit Unix timestamp
// in a classic COFF header (IMAGE_FILE_HEADER.TimeDateStamp).
const classicTimestampOffset = 4

// bigobjTimestampOffset is the offset in the bigobj (anonymous object,
// ANON_OBJECT_HEADER_BIGOBJ) variant.
const bigobjTimestampOffset = 8

// bigobjVersionOffset holds the header version; real bigobj headers are
// version 2.
const bigobjVersionOffset = 4

var bigobjSentinel = [2]uint16{0x0000, 0xffff}

// IsCOFF reports whether data begins with a recognised classic-COFF
// machine-type magic (x86 or x64).
func IsCOFF(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	magic := binary.LittleEndian.Uint16(data[0:2])
	return magic == 0x014c || magic == 0x8664 // IMAGE_FILE_MACHINE_I386 / AMD64
}

// IsBigobj reports whether data begins with the bigobj sentinel
// (0x0000, 0xFFFF).
func IsBigobj(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return binary.LittleEndian.Uint16(data[0:2]) == bigobjSentinel[0] &&
		binary.LittleEndian.Uint16(data[2:4]) == bigobjSentinel[1]
}

// RewriteTimestamp overwrites the object's embedded build timestamp with
// unixTime in place. It supports both classic COFF and bigobj layouts;
// data that matches neither returns an error, since the caller has
// already decided this is an object file it expects to be one or the
// other.
func RewriteTimestamp(data []byte, unixTime uint32) error {
	switch {
	case IsBigobj(data):
		if len(data) < bigobjTimestampOffset+4 {
			return fmt.Errorf("objrewrite: bigobj too short for timestamp field")
		}
		if v := binary.LittleEndian.Uint16(data[bigobjVersionOffset : bigobjVersionOffset+2]); v != 2 {
			return fmt.Errorf("objrewrite: unrecognised bigobj version %d", v)
		}
		binary.LittleEndian.PutUint32(data[bigobjTimestampOffset:bigobjTimestampOffset+4], unixTime)
		return nil
	case IsCOFF(data):
		if len(data) < classicTimestampOffset+4 {
			return fmt.Errorf("objrewrite: COFF header too short for timestamp field")
		}
		binary.LittleEndian.PutUint32(data[classicTimestampOffset:classicTimestampOffset+4], unixTime)
		return nil
	default:
		return fmt.Errorf("objrewrite: neither classic COFF nor bigobj magic recognised")
	}
}

// BigobjUUIDRange returns the half-open byte range [start, end) of the
// 16-byte ClassID GUID in a bigobj header (bytes 12..27), so callers
// validating a full header know the layout without re-deriving it.
func BigobjUUIDRange() (start, end int) {
	return 12, 28
}
