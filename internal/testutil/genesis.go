// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/job"
)

// GenesisNonce solves the mainnet genesis header.
const GenesisNonce uint32 = 2083236893

// GenesisHash is the mainnet genesis block hash.
var GenesisHash = *chaincfg.MainNetParams.GenesisHash

// GenesisNotify returns the genesis block expressed as a stratum notify with
// a 4-byte extranonce1 and 4-byte extranonce2 cut out of its coinbase, and
// the extranonce2 value that reproduces the real coinbase.
func GenesisNotify(t testing.TB, jobID string) (job.Template, job.Extranonce, uint64) {
	t.Helper()

	var buf bytes.Buffer
	if err := chaincfg.MainNetParams.GenesisBlock.Transactions[0].Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	cb := buf.Bytes()

	tmpl := job.Template{
		JobID:     jobID,
		PrevHash:  job.EncodePrevHash(chainhash.Hash{}),
		Coinb1:    hex.EncodeToString(cb[:50]),
		Coinb2:    hex.EncodeToString(cb[58:]),
		Version:   "00000001",
		NBits:     "1d00ffff",
		NTime:     "495fab29",
		CleanJobs: true,
	}
	en := job.Extranonce{Extranonce1: hex.EncodeToString(cb[50:54]), Extranonce2Size: 4}
	return tmpl, en, uint64(binary.BigEndian.Uint32(cb[54:58]))
}

// GenesisJob is GenesisNotify decoded at the given share difficulty.
func GenesisJob(t testing.TB, jobID string, difficulty float64) (*job.Job, uint64) {
	t.Helper()

	tmpl, en, en2 := GenesisNotify(t, jobID)
	j, err := job.New(tmpl, en, difficulty)
	if err != nil {
		t.Fatal(err)
	}
	return j, en2
}
