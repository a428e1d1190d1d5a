// Package job turns pool work notifications into immutable Jobs that can
// produce 80-byte block header templates for any extranonce2.
package job

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderSize is the serialized size of a block header.
const HeaderSize = 80

// NonceOffset is where the little-endian nonce sits in a serialized header.
const NonceOffset = 76

// Header is a serialized block header.
type Header [HeaderSize]byte

// WithNonce returns a copy of h carrying nonce.
func (h Header) WithNonce(nonce uint32) Header {
	binary.LittleEndian.PutUint32(h[NonceOffset:], nonce)
	return h
}

// Template holds the raw hex fields of a mining.notify message.
type Template struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// Extranonce is the per-session coinbase nonce assignment from subscribe.
type Extranonce struct {
	Extranonce1     string
	Extranonce2Size int
}

// Job is a decoded, immutable unit of pool work.
type Job struct {
	ID           string
	PrevHash     chainhash.Hash
	Coinb1       []byte
	Coinb2       []byte
	MerkleBranch []chainhash.Hash
	Version      int32
	NBits        uint32
	NTime        uint32
	CleanJobs    bool

	Extranonce1     []byte
	Extranonce2Size int

	Difficulty    float64
	ShareTarget   *big.Int
	NetworkTarget *big.Int

	// Seq orders jobs by arrival within an engine run.
	Seq        uint64
	ReceivedAt time.Time
}

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// New decodes a notify template into a Job. difficulty is the pool share
// difficulty in force when the job arrived; zero or less means the network
// target is used for shares too.
func New(t Template, en Extranonce, difficulty float64) (*Job, error) {
	if t.JobID == "" {
		return nil, fmt.Errorf("job_id is empty")
	}

	prev, err := decodePrevHash(t.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("prevhash: %w", err)
	}

	coinb1, err := hex.DecodeString(t.Coinb1)
	if err != nil {
		return nil, fmt.Errorf("coinb1: %w", err)
	}
	coinb2, err := hex.DecodeString(t.Coinb2)
	if err != nil {
		return nil, fmt.Errorf("coinb2: %w", err)
	}

	branch := make([]chainhash.Hash, 0, len(t.MerkleBranch))
	for i, h := range t.MerkleBranch {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != chainhash.HashSize {
			return nil, fmt.Errorf("merkle_branch[%d] is not a 32-byte hex hash", i)
		}
		var mh chainhash.Hash
		copy(mh[:], raw)
		branch = append(branch, mh)
	}

	version, err := parseHexUint32(t.Version)
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	nbits, err := parseHexUint32(t.NBits)
	if err != nil {
		return nil, fmt.Errorf("nbits: %w", err)
	}
	ntime, err := parseHexUint32(t.NTime)
	if err != nil {
		return nil, fmt.Errorf("ntime: %w", err)
	}

	en1, err := hex.DecodeString(en.Extranonce1)
	if err != nil {
		return nil, fmt.Errorf("extranonce1: %w", err)
	}
	if en.Extranonce2Size <= 0 || en.Extranonce2Size > 16 {
		return nil, fmt.Errorf("extranonce2_size %d out of range", en.Extranonce2Size)
	}

	network := blockchain.CompactToBig(nbits)
	if network.Sign() <= 0 {
		return nil, fmt.Errorf("nbits %08x encodes a non-positive target", nbits)
	}

	share := network
	if difficulty > 0 {
		share = DifficultyToTarget(difficulty)
	}

	return &Job{
		ID:              t.JobID,
		PrevHash:        prev,
		Coinb1:          coinb1,
		Coinb2:          coinb2,
		MerkleBranch:    branch,
		Version:         int32(version),
		NBits:           nbits,
		NTime:           ntime,
		CleanJobs:       t.CleanJobs,
		Extranonce1:     en1,
		Extranonce2Size: en.Extranonce2Size,
		Difficulty:      difficulty,
		ShareTarget:     share,
		NetworkTarget:   network,
	}, nil
}

// MaxExtranonce2 is the largest extranonce2 value that fits the pool's size.
func (j *Job) MaxExtranonce2() uint64 {
	if j.Extranonce2Size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(j.Extranonce2Size)) - 1
}

// Extranonce2Bytes encodes en2 big-endian into the pool's extranonce2 width.
func (j *Job) Extranonce2Bytes(en2 uint64) []byte {
	out := make([]byte, j.Extranonce2Size)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], en2)
	if j.Extranonce2Size >= 8 {
		copy(out[j.Extranonce2Size-8:], tmp[:])
	} else {
		copy(out, tmp[8-j.Extranonce2Size:])
	}
	return out
}

// Extranonce2Hex is the wire form of en2 for mining.submit.
func (j *Job) Extranonce2Hex(en2 uint64) string {
	return hex.EncodeToString(j.Extranonce2Bytes(en2))
}

// Coinbase assembles coinb1 || extranonce1 || extranonce2 || coinb2.
func (j *Job) Coinbase(en2 uint64) []byte {
	en2b := j.Extranonce2Bytes(en2)
	out := make([]byte, 0, len(j.Coinb1)+len(j.Extranonce1)+len(en2b)+len(j.Coinb2))
	out = append(out, j.Coinb1...)
	out = append(out, j.Extranonce1...)
	out = append(out, en2b...)
	return append(out, j.Coinb2...)
}

// MerkleRoot folds the coinbase hash with the merkle branch.
func (j *Job) MerkleRoot(en2 uint64) chainhash.Hash {
	root := chainhash.DoubleHashH(j.Coinbase(en2))

	var concat [2 * chainhash.HashSize]byte
	for _, h := range j.MerkleBranch {
		copy(concat[:chainhash.HashSize], root[:])
		copy(concat[chainhash.HashSize:], h[:])
		root = chainhash.DoubleHashH(concat[:])
	}
	return root
}

// Header serializes the block header for en2 with a zero nonce.
func (j *Job) Header(en2 uint64) (Header, error) {
	var out Header
	if en2 > j.MaxExtranonce2() {
		return out, fmt.Errorf("extranonce2 %d exceeds %d-byte space", en2, j.Extranonce2Size)
	}

	bh := wire.BlockHeader{
		Version:    j.Version,
		PrevBlock:  j.PrevHash,
		MerkleRoot: j.MerkleRoot(en2),
		Timestamp:  time.Unix(int64(j.NTime), 0),
		Bits:       j.NBits,
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := bh.Serialize(buf); err != nil {
		return out, fmt.Errorf("serialize header: %w", err)
	}
	copy(out[:], buf.Bytes())
	return out, nil
}

// NTimeHex is the wire form of the job timestamp.
func (j *Job) NTimeHex() string {
	return fmt.Sprintf("%08x", j.NTime)
}

// NonceHex is the wire form of a nonce for mining.submit.
func NonceHex(nonce uint32) string {
	return fmt.Sprintf("%08x", nonce)
}

// MeetsShareTarget reports whether digest satisfies the share target.
func (j *Job) MeetsShareTarget(digest chainhash.Hash) bool {
	return HashMeetsTarget(digest, j.ShareTarget)
}

// MeetsNetworkTarget reports whether digest would also solve the block.
func (j *Job) MeetsNetworkTarget(digest chainhash.Hash) bool {
	return HashMeetsTarget(digest, j.NetworkTarget)
}

// decodePrevHash converts the stratum prevhash, which is the internal byte
// order with every 32-bit word byte-swapped, back to a chainhash.Hash.
func decodePrevHash(s string) (chainhash.Hash, error) {
	var h chainhash.Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(raw) != chainhash.HashSize {
		return h, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	for i := 0; i < chainhash.HashSize; i += 4 {
		h[i], h[i+1], h[i+2], h[i+3] = raw[i+3], raw[i+2], raw[i+1], raw[i]
	}
	return h, nil
}

// EncodePrevHash is the inverse of decodePrevHash.
func EncodePrevHash(h chainhash.Hash) string {
	var raw [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = h[i+3], h[i+2], h[i+1], h[i]
	}
	return hex.EncodeToString(raw[:])
}

// parseHexUint32 parses an 8-character big-endian hex field.
func parseHexUint32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
