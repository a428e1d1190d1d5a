package verify

import (
	"bytes"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/internal/testutil"
	"github.com/bardlex/gominer/pkg/errors"
)

const genesisNonce = testutil.GenesisNonce

func genesisJob(t *testing.T, difficulty float64) (*job.Job, uint64) {
	return testutil.GenesisJob(t, "genesis", difficulty)
}

func TestVerify(t *testing.T) {
	j, en2 := genesisJob(t, 1)
	genesis := *chaincfg.MainNetParams.GenesisHash

	header, err := j.Header(en2)
	if err != nil {
		t.Fatal(err)
	}
	miss := header.WithNonce(genesisNonce + 1)
	missDigest := chainhash.DoubleHashH(miss[:])

	tests := []struct {
		name    string
		c       share.Candidate
		wantErr error
	}{
		{
			name: "valid genesis nonce",
			c:    share.Candidate{JobID: "genesis", Extranonce2: en2, Nonce: genesisNonce, Digest: genesis},
		},
		{
			name:    "digest disagrees",
			c:       share.Candidate{JobID: "genesis", Extranonce2: en2, Nonce: genesisNonce, Digest: chainhash.Hash{1}},
			wantErr: ErrHashMismatch,
		},
		{
			name:    "honest digest below target",
			c:       share.Candidate{JobID: "genesis", Extranonce2: en2, Nonce: genesisNonce + 1, Digest: missDigest},
			wantErr: ErrBelowTarget,
		},
		{
			name:    "wrong job",
			c:       share.Candidate{JobID: "other", Extranonce2: en2, Nonce: genesisNonce, Digest: genesis},
			wantErr: ErrJobMismatch,
		},
	}

	for _, hasher := range []Hasher{MiningHasher{}, SIMDHasher{}} {
		v := New(hasher)
		for _, tt := range tests {
			t.Run(hasher.Name()+"/"+tt.name, func(t *testing.T) {
				s, err := v.Verify(j, tt.c)
				if tt.wantErr != nil {
					if !stderrors.Is(err, tt.wantErr) {
						t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
					}
					if !errors.IsType(err, errors.ErrorTypeVerification) {
						t.Errorf("Verify() error type should be verification")
					}
					return
				}
				if err != nil {
					t.Fatalf("Verify() error = %v", err)
				}
				if s.State != share.Pending || s.ID == "" {
					t.Errorf("share = %+v", s)
				}
				if !s.Block {
					t.Error("genesis nonce also meets the network target")
				}
				if s.Extranonce2 != j.Extranonce2Hex(en2) || s.NTime != "495fab29" {
					t.Errorf("wire fields = %s/%s", s.Extranonce2, s.NTime)
				}
			})
		}
	}
}

func TestHashersAgree(t *testing.T) {
	inputs := [][]byte{{}, []byte("gominer"), bytes.Repeat([]byte{0xaa}, 80)}
	for _, in := range inputs {
		if (MiningHasher{}).Sum(in) != (SIMDHasher{}).Sum(in) {
			t.Errorf("hashers disagree on %x", in)
		}
	}
	if HasherFor("enhanced").Name() != "enhanced" || HasherFor("mining").Name() != "mining" {
		t.Error("HasherFor() picked the wrong variant")
	}
}

func TestVerifyDeterministicAndConcurrent(t *testing.T) {
	j, en2 := genesisJob(t, 1)
	v := New(nil)
	c := share.Candidate{JobID: "genesis", Extranonce2: en2, Nonce: genesisNonce, Digest: *chaincfg.MainNetParams.GenesisHash}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Verify(j, c); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Verify() error = %v", err)
	}
}

func TestIsHashMismatch(t *testing.T) {
	j, en2 := genesisJob(t, 1)
	_, err := New(nil).Verify(j, share.Candidate{JobID: "genesis", Extranonce2: en2})
	if !IsHashMismatch(err) {
		t.Errorf("IsHashMismatch(%v) = false", err)
	}
}
