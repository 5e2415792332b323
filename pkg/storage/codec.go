package storage

import (
	"encoding/binary"
)

func uint64Key(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func keyUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
