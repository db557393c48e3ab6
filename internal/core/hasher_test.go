package core_test

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"CoverLedger/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestStateHasher_ChainsPrevSequenceDigest(t *testing.T) {
	h := core.NewStateHasher()
	genesis := core.GenesisHash()
	assert.Equal(t, sha256.Sum256([]byte(core.GenesisHashSeed)), genesis)

	digest := []byte("digest")
	buf := append([]byte{}, genesis[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, 7)
	buf = append(buf, digest...)

	got := h.ComputeHash(7, digest)
	assert.Equal(t, sha256.Sum256(buf), got)
	assert.Equal(t, got, h.GetPrevHash())

	// resuming from a restored tip continues the same chain
	resumed := core.NewStateHasher()
	resumed.SetPrevHash(got)
	assert.Equal(t, h.ComputeHash(8, digest), resumed.ComputeHash(8, digest))
}
