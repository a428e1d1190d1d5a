package job

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const genesisNonce = 2083236893

// genesisTemplate splits the mainnet genesis coinbase around a 4-byte
// extranonce1 and 4-byte extranonce2 inside its signature script.
func genesisTemplate(t *testing.T) (Template, Extranonce, uint64) {
	t.Helper()

	var buf bytes.Buffer
	if err := chaincfg.MainNetParams.GenesisBlock.Transactions[0].Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	cb := buf.Bytes()

	const split = 50
	hdr := chaincfg.MainNetParams.GenesisBlock.Header
	tmpl := Template{
		JobID:     "genesis",
		PrevHash:  EncodePrevHash(hdr.PrevBlock),
		Coinb1:    hex.EncodeToString(cb[:split]),
		Coinb2:    hex.EncodeToString(cb[split+8:]),
		Version:   "00000001",
		NBits:     "1d00ffff",
		NTime:     "495fab29",
		CleanJobs: true,
	}
	en := Extranonce{Extranonce1: hex.EncodeToString(cb[split : split+4]), Extranonce2Size: 4}
	en2 := uint64(binary.BigEndian.Uint32(cb[split+4 : split+8]))
	return tmpl, en, en2
}

func TestGenesisHeader(t *testing.T) {
	tmpl, en, en2 := genesisTemplate(t)

	j, err := New(tmpl, en, 1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := j.MerkleRoot(en2); got != chaincfg.MainNetParams.GenesisBlock.Header.MerkleRoot {
		t.Errorf("MerkleRoot() = %s, want %s", got, chaincfg.MainNetParams.GenesisBlock.Header.MerkleRoot)
	}

	header, err := j.Header(en2)
	if err != nil {
		t.Fatalf("Header() error = %v", err)
	}

	full := header.WithNonce(genesisNonce)
	digest := chainhash.DoubleHashH(full[:])
	if digest != *chaincfg.MainNetParams.GenesisHash {
		t.Fatalf("header digest = %s, want %s", digest, chaincfg.MainNetParams.GenesisHash)
	}

	if !j.MeetsNetworkTarget(digest) {
		t.Error("genesis digest should meet its own network target")
	}
	if !j.MeetsShareTarget(digest) {
		t.Error("genesis digest should meet difficulty 1")
	}

	next := header.WithNonce(genesisNonce + 1)
	other := chainhash.DoubleHashH(next[:])
	if j.MeetsShareTarget(other) {
		t.Error("neighbouring nonce should not meet difficulty 1")
	}
}

func TestMerkleBranchFold(t *testing.T) {
	tmpl, en, en2 := genesisTemplate(t)

	coinbase := chaincfg.MainNetParams.GenesisBlock.Transactions[0]
	tx1 := wire.NewMsgTx(1)
	tx1.AddTxOut(wire.NewTxOut(1, []byte{0x51}))
	tx2 := wire.NewMsgTx(1)
	tx2.AddTxOut(wire.NewTxOut(2, []byte{0x52}))

	txs := []*btcutil.Tx{btcutil.NewTx(coinbase), btcutil.NewTx(tx1), btcutil.NewTx(tx2)}
	store := blockchain.BuildMerkleTreeStore(txs, false)
	want := store[len(store)-1]

	h2 := tx2.TxHash()
	var pair [64]byte
	copy(pair[:32], h2[:])
	copy(pair[32:], h2[:])
	level1 := chainhash.DoubleHashH(pair[:])
	h1 := tx1.TxHash()

	tmpl.MerkleBranch = []string{hex.EncodeToString(h1[:]), hex.EncodeToString(level1[:])}

	j, err := New(tmpl, en, 1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := j.MerkleRoot(en2); got != *want {
		t.Errorf("MerkleRoot() = %s, want %s", got, want)
	}
}

func TestNewValidation(t *testing.T) {
	good, en, _ := genesisTemplate(t)

	tests := []struct {
		name   string
		mutate func(*Template, *Extranonce)
	}{
		{"empty job id", func(t *Template, _ *Extranonce) { t.JobID = "" }},
		{"short prevhash", func(t *Template, _ *Extranonce) { t.PrevHash = "abcd" }},
		{"bad coinb1", func(t *Template, _ *Extranonce) { t.Coinb1 = "zz" }},
		{"bad branch", func(t *Template, _ *Extranonce) { t.MerkleBranch = []string{"00"} }},
		{"bad version", func(t *Template, _ *Extranonce) { t.Version = "1" }},
		{"bad nbits", func(t *Template, _ *Extranonce) { t.NBits = "xxxxxxxx" }},
		{"zero nbits", func(t *Template, _ *Extranonce) { t.NBits = "00000000" }},
		{"bad extranonce1", func(_ *Template, e *Extranonce) { e.Extranonce1 = "q" }},
		{"zero extranonce2 size", func(_ *Template, e *Extranonce) { e.Extranonce2Size = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, ext := good, en
			tt.mutate(&tmpl, &ext)
			if _, err := New(tmpl, ext, 1); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestExtranonce2(t *testing.T) {
	tests := []struct {
		size    int
		en2     uint64
		wantHex string
		wantMax uint64
	}{
		{1, 0xab, "ab", 0xff},
		{4, 1, "00000001", 0xffffffff},
		{8, 0x0102030405060708, "0102030405060708", ^uint64(0)},
		{10, 5, "00000000000000000005", ^uint64(0)},
	}

	for _, tt := range tests {
		j := &Job{Extranonce2Size: tt.size}
		if got := j.Extranonce2Hex(tt.en2); got != tt.wantHex {
			t.Errorf("size %d: Extranonce2Hex(%d) = %s, want %s", tt.size, tt.en2, got, tt.wantHex)
		}
		if got := j.MaxExtranonce2(); got != tt.wantMax {
			t.Errorf("size %d: MaxExtranonce2() = %d, want %d", tt.size, got, tt.wantMax)
		}
	}

	j := &Job{Extranonce2Size: 1}
	if _, err := j.Header(256); err == nil {
		t.Error("Header() should reject extranonce2 beyond its width")
	}
}

func TestPrevHashRoundTrip(t *testing.T) {
	display := "00000000440b921e1b77c6c0487ae5616de67f788f44ae2a5af6e2194d16b6f8"
	onWire := "4d16b6f85af6e2198f44ae2a6de67f78487ae5611b77c6c0440b921e00000000"

	h, err := chainhash.NewHashFromStr(display)
	if err != nil {
		t.Fatal(err)
	}
	if got := EncodePrevHash(*h); got != onWire {
		t.Errorf("EncodePrevHash() = %s, want %s", got, onWire)
	}
	back, err := decodePrevHash(onWire)
	if err != nil || back != *h {
		t.Errorf("decodePrevHash() = %s, %v", back, err)
	}
}

func TestDifficultyToTarget(t *testing.T) {
	tests := []struct {
		difficulty float64
		want       *big.Int
	}{
		{0, diff1Target},
		{1, diff1Target},
		{2, new(big.Int).Rsh(diff1Target, 1)},
		{65536, new(big.Int).Rsh(diff1Target, 16)},
	}

	for _, tt := range tests {
		if got := DifficultyToTarget(tt.difficulty); got.Cmp(tt.want) != 0 {
			t.Errorf("DifficultyToTarget(%v) = %x, want %x", tt.difficulty, got, tt.want)
		}
	}

	if d := TargetToDifficulty(DifficultyToTarget(1024)); d < 1023.999 || d > 1024.001 {
		t.Errorf("TargetToDifficulty round trip = %v", d)
	}
}

func TestNonceHex(t *testing.T) {
	if got := NonceHex(genesisNonce); got != "7c2bac1d" {
		t.Errorf("NonceHex() = %s", got)
	}
	j := &Job{NTime: 0x495fab29}
	if got := j.NTimeHex(); got != "495fab29" {
		t.Errorf("NTimeHex() = %s", got)
	}
}
