package ticl

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"ticl.dev/ticl/wire"
)

// DigestFunction maps bytes to a fixed-length digest. The registration store
// digests each element with it and combines the element digests
// commutatively, so the set digest is independent of insertion order.
type DigestFunction func(data []byte) []byte

// XxhashDigest is the default DigestFunction: the 8-byte big-endian xxhash64
// of the input.
func XxhashDigest(data []byte) []byte {
	digest := [8]byte{}
	binary.BigEndian.PutUint64(digest[:], xxhash.Sum64(data))
	return digest[:]
}

// objectIdDigest digests the canonical byte form of an object id: 4-byte
// big-endian source followed by the name.
func objectIdDigest(digestFn DigestFunction, objectId wire.ObjectId) []byte {
	data := make([]byte, 4+len(objectId.Name))
	binary.BigEndian.PutUint32(data[:4], uint32(objectId.Source))
	copy(data[4:], objectId.Name)
	return digestFn(data)
}

// xorInto folds b into acc componentwise. Xor is its own inverse, so the
// same call removes an element that was previously folded in.
func xorInto(acc []byte, b []byte) {
	for i := 0; i < len(acc) && i < len(b); i += 1 {
		acc[i] ^= b[i]
	}
}

// matchesBitPrefix reports whether the first prefixLen bits of digest equal
// those of prefix. prefixLen 0 matches everything.
func matchesBitPrefix(digest []byte, prefix []byte, prefixLen int) bool {
	if prefixLen <= 0 {
		return true
	}
	if len(digest)*8 < prefixLen || len(prefix)*8 < prefixLen {
		return false
	}
	wholeBytes := prefixLen / 8
	for i := 0; i < wholeBytes; i += 1 {
		if digest[i] != prefix[i] {
			return false
		}
	}
	remBits := prefixLen % 8
	if remBits == 0 {
		return true
	}
	mask := byte(0xff) << (8 - remBits)
	return digest[wholeBytes]&mask == prefix[wholeBytes]&mask
}
