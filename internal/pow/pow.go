// Package pow derives pre-PoW hashes and checks nonce work for candidate
// block headers. The hash primitive is Blake3; consensus-level PoW rules
// stay in the node.
package pow

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"github.com/zeebo/blake3"

	"github.com/kas-network/kas-pool/internal/rpc"
	"github.com/kas-network/kas-pool/internal/util"
)

// Hash is a 32-byte block or pre-PoW hash
type Hash [32]byte

// String returns the unprefixed hex form
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashFromString parses an unprefixed 64-char hex hash
func HashFromString(s string) (Hash, error) {
	var h Hash
	b, err := util.HexToBytes(s)
	if err != nil {
		return h, err
	}
	copy(h[:], util.PadBytes(b, 32))
	return h, nil
}

// State is the proof-of-work context of one block template. It is
// immutable after creation and safe for concurrent CheckWork calls.
type State struct {
	prePowHash Hash
	timestamp  uint64
	target     *big.Int
}

// NewState derives the PoW state from a candidate block's header
func NewState(header *rpc.BlockHeader) *State {
	return &State{
		prePowHash: hashHeader(header),
		timestamp:  header.Timestamp,
		target:     util.CompactToTarget(header.Bits),
	}
}

// PrePowHash returns the header hash with nonce and timestamp zeroed; the
// value miners grind nonces against
func (s *State) PrePowHash() Hash {
	return s.prePowHash
}

// Timestamp returns the template's header timestamp in milliseconds
func (s *State) Timestamp() uint64 {
	return s.timestamp
}

// BlockTarget returns the network target from the header's bits field
func (s *State) BlockTarget() *big.Int {
	return new(big.Int).Set(s.target)
}

// CheckWork evaluates a nonce. It returns whether the nonce solves the
// block at the network target, and the nonce's work value. Smaller values
// are stronger work; a share counts at difficulty d iff the value is at
// or below util.DifficultyToTarget(d).
func (s *State) CheckWork(nonce uint64) (bool, *big.Int) {
	hasher := blake3.New()
	hasher.Write(s.prePowHash[:])

	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], s.timestamp)
	hasher.Write(scratch[:])

	var pad [32]byte
	hasher.Write(pad[:])

	binary.LittleEndian.PutUint64(scratch[:], nonce)
	hasher.Write(scratch[:])

	powHash := hasher.Sum(nil)

	// The PoW value is the hash read as a little-endian 256-bit integer
	value := new(big.Int).SetBytes(util.ReverseBytesCopy(powHash))
	return value.Cmp(s.target) <= 0, value
}

// FinalizeBlockHash computes the hash of the header with the winning
// nonce in place; the identity the node reports the block under
func FinalizeBlockHash(header *rpc.BlockHeader, nonce uint64) Hash {
	finalized := *header
	finalized.Nonce = nonce
	return hashFinalHeader(&finalized)
}

// hashHeader hashes a header for pre-PoW purposes: nonce and timestamp
// are zeroed so the hash is stable across the nonce search.
func hashHeader(header *rpc.BlockHeader) Hash {
	zeroed := *header
	zeroed.Nonce = 0
	zeroed.Timestamp = 0
	return hashFinalHeader(&zeroed)
}

func hashFinalHeader(header *rpc.BlockHeader) Hash {
	hasher := blake3.New()

	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], uint64(header.Version))
	hasher.Write(scratch[:2])

	hasher.Write([]byte{byte(len(header.Parents))})
	for _, level := range header.Parents {
		binary.LittleEndian.PutUint64(scratch[:], uint64(len(level)))
		hasher.Write(scratch[:])
		for _, parent := range level {
			writeHexHash(hasher, parent)
		}
	}

	writeHexHash(hasher, header.HashMerkleRoot)
	writeHexHash(hasher, header.AcceptedIDMerkleRoot)
	writeHexHash(hasher, header.UTXOCommitment)

	binary.LittleEndian.PutUint64(scratch[:], header.Timestamp)
	hasher.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:4], header.Bits)
	hasher.Write(scratch[:4])
	binary.LittleEndian.PutUint64(scratch[:], header.Nonce)
	hasher.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], header.DAAScore)
	hasher.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], header.BlueScore)
	hasher.Write(scratch[:])

	blueWork, err := util.HexToBytes(header.BlueWork)
	if err == nil {
		hasher.Write(util.PadBytes(blueWork, 24))
	}
	writeHexHash(hasher, header.PruningPoint)

	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

func writeHexHash(hasher *blake3.Hasher, s string) {
	b, err := util.HexToBytes(s)
	if err != nil {
		b = nil
	}
	hasher.Write(util.PadBytes(b, 32))
}
