package spv

import (
	"bytes"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/vesperwallet/vesper/internal/core/wallet/headerstore"
	"github.com/vesperwallet/vesper/pkg/esplora"
	"github.com/vulpemventures/go-elements/block"
)

// computeMerkleRoot folds a transaction id with its sibling hashes up to the
// block merkle root. Siblings arrive in the indexer's display byte order and
// are reversed into internal digest order before hashing.
func computeMerkleRoot(txid *chainhash.Hash, proof *esplora.MerkleProof) (chainhash.Hash, error) {
	current := *txid
	pos := proof.Pos

	for _, sibling := range proof.Siblings {
		if len(sibling) != chainhash.HashSize {
			return chainhash.Hash{}, errors.Errorf("proof sibling has %d bytes, want %d",
				len(sibling), chainhash.HashSize)
		}

		reversed := make([]byte, chainhash.HashSize)
		for i, b := range sibling {
			reversed[chainhash.HashSize-1-i] = b
		}

		concat := make([]byte, 0, 2*chainhash.HashSize)
		if pos%2 == 0 {
			concat = append(append(concat, current[:]...), reversed...)
		} else {
			concat = append(append(concat, reversed...), current[:]...)
		}
		current = chainhash.DoubleHashH(concat)
		pos /= 2
	}

	return current, nil
}

// ChainVerifier checks inclusion proofs against the locally maintained header
// chain of the proof-of-work network.
type ChainVerifier struct {
	store *headerstore.Store
}

func NewChainVerifier(store *headerstore.Store) *ChainVerifier {
	return &ChainVerifier{store: store}
}

func (v *ChainVerifier) Verify(txid *chainhash.Hash, proof *esplora.MerkleProof, height uint32) (bool, error) {
	header, err := v.store.HeaderAt(height)
	if err != nil {
		return false, err
	}

	root, err := computeMerkleRoot(txid, proof)
	if err != nil {
		return false, err
	}
	return root == header.MerkleRoot, nil
}

// SidechainVerifier checks inclusion proofs against a sidechain header the
// caller fetched and decoded. Header authenticity beyond decoding is left to
// the chain's federation rules.
type SidechainVerifier struct{}

func NewSidechainVerifier() *SidechainVerifier {
	return &SidechainVerifier{}
}

func (v *SidechainVerifier) Verify(txid *chainhash.Hash, proof *esplora.MerkleProof, header *block.Header) (bool, error) {
	root, err := computeMerkleRoot(txid, proof)
	if err != nil {
		return false, err
	}
	return bytes.Equal(root[:], header.MerkleRoot), nil
}
