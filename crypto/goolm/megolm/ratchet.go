// Package megolm implements the Megolm group ratchet used for
// per-room outbound/inbound sessions: a 4-level hash ratchet that can
// be exported at any index so a recipient can decrypt every message
// from that index forward but none before it.
package megolm

import (
	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
)

const (
	numLevels  = 4
	partLength = 32
)

type ratchetState [numLevels][partLength]byte

func newRatchetState() (ratchetState, error) {
	var r ratchetState
	for i := range r {
		kp, err := gcrypto.GenerateCurve25519KeyPair()
		if err != nil {
			return r, err
		}
		copy(r[i][:], kp.PrivateKey[:])
	}
	return r, nil
}

// levelFor returns which ratchet level must advance to move the
// ratchet to message index i: level 0 is the slowest (changes every
// 2^24 messages and reseeds every faster level beneath it), level 3
// changes on every message.
func levelFor(i uint32) int {
	switch {
	case i%(1<<24) == 0:
		return 0
	case i%(1<<16) == 0:
		return 1
	case i%(1<<8) == 0:
		return 2
	default:
		return 3
	}
}

func advance(r *ratchetState, level int) {
	r[level] = sha256HMACPart(r[level], byte(level))
	for l := level + 1; l < numLevels; l++ {
		r[l] = sha256HMACPart(r[l-1], byte(l))
	}
}

func sha256HMACPart(input [partLength]byte, seed byte) [partLength]byte {
	var out [partLength]byte
	mac := gcrypto.HMACSHA256(input[:], []byte{seed})
	copy(out[:], mac)
	return out
}

// advanceTo moves the ratchet forward from currentIndex to targetIndex,
// in place. targetIndex must be >= currentIndex.
func advanceTo(r *ratchetState, currentIndex, targetIndex uint32) {
	for i := currentIndex; i < targetIndex; i++ {
		advance(r, levelFor(i+1))
	}
}

func concat(r ratchetState) []byte {
	buf := make([]byte, 0, numLevels*partLength)
	for _, part := range r {
		buf = append(buf, part[:]...)
	}
	return buf
}
