package storage

import (
	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	r:<market 32B><block 8B BE><seq 8B BE> -> raw upstream record
//	seq                                   -> last sequence number (8B BE)
//
// Big-endian block and sequence keep a market's records in arrival order
// under a plain byte-wise iterator.
const (
	prefixRecord = "r:"
	keySeq       = "seq"
)

// recordPrefix returns the prefix of every record of a market
// Format: "r:{market}"
func recordPrefix(market common.Hash) []byte {
	k := make([]byte, 0, len(prefixRecord)+common.HashLength)
	k = append(k, prefixRecord...)
	return append(k, market[:]...)
}

// blockKey returns the first possible key of a block
// Format: "r:{market}{block}"
func blockKey(market common.Hash, block uint64) []byte {
	return append(recordPrefix(market), uint64Key(block)...)
}

// recordKey returns the key of one record
// Format: "r:{market}{block}{seq}"
func recordKey(market common.Hash, block, seq uint64) []byte {
	return append(blockKey(market, block), uint64Key(seq)...)
}

// splitRecordKey returns the block and sequence encoded in a record key.
func splitRecordKey(k []byte) (block, seq uint64, ok bool) {
	n := len(prefixRecord) + common.HashLength
	if len(k) != n+16 {
		return 0, 0, false
	}
	return keyUint64(k[n : n+8]), keyUint64(k[n+8:]), true
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		bound[i]++
		if bound[i] != 0 {
			return bound[:i+1]
		}
	}
	return nil // prefix is all 0xff: no upper bound
}
