package spv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/vesperwallet/vesper/internal/core/wallet/headerstore"
	"github.com/vesperwallet/vesper/pkg/esplora"
	"go.uber.org/zap"
)

type fakeClient struct {
	headers     func(start uint32, count int) ([]wire.BlockHeader, error)
	merkleProof func(txid *chainhash.Hash) (*esplora.MerkleProof, error)
	rawHeader   func(height uint32) ([]byte, error)
}

func (f *fakeClient) Headers(_ context.Context, start uint32, count int) ([]wire.BlockHeader, error) {
	return f.headers(start, count)
}

func (f *fakeClient) FetchMerkleProof(_ context.Context, txid *chainhash.Hash) (*esplora.MerkleProof, error) {
	return f.merkleProof(txid)
}

func (f *fakeClient) RawHeaderAt(_ context.Context, height uint32) ([]byte, error) {
	return f.rawHeader(height)
}

// makeChain builds headers 1..count on top of the genesis block, where the
// header at confirmHeight commits to txid as a single-transaction block.
func makeChain(params *chaincfg.Params, count int, confirmHeight uint32, txid *chainhash.Hash) []wire.BlockHeader {
	prev := params.GenesisBlock.Header.BlockHash()
	headers := make([]wire.BlockHeader, 0, count)
	for i := 0; i < count; i++ {
		header := wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(int64(1296688602+i*600), 0),
			Bits:      0x1d00ffff,
		}
		if uint32(i+1) == confirmHeight {
			header.MerkleRoot = *txid
		} else {
			header.MerkleRoot = chainhash.DoubleHashH([]byte{byte(i)})
		}
		headers = append(headers, header)
		prev = header.BlockHash()
	}
	return headers
}

func TestCoordinatorNeedsHeadersFirst(t *testing.T) {
	params := &chaincfg.TestNet3Params
	store, err := headerstore.Open(filepath.Join(t.TempDir(), "headers"), params)
	require.NoError(t, err)
	defer store.Close()

	txid := chainhash.DoubleHashH([]byte("payment"))
	chain := makeChain(params, 10, 4, &txid)

	cli := &fakeClient{
		headers: func(start uint32, count int) ([]wire.BlockHeader, error) {
			require.EqualValues(t, 1, start)
			require.Equal(t, esplora.MaxHeaderBatch, count)
			return chain, nil
		},
		merkleProof: func(*chainhash.Hash) (*esplora.MerkleProof, error) {
			t.Fatal("proof requested before headers were synced")
			return nil, nil
		},
	}

	coordinator := NewChainCoordinator(store, cli, zap.NewNop())

	// claimed height is past the local tip, so the first call only extends
	// the chain
	result, err := coordinator.VerifyPayment(context.Background(), &txid, 4)
	require.NoError(t, err)
	require.Equal(t, NeedMoreHeaders, result)
	require.EqualValues(t, 10, store.Height())

	// the single-transaction block at height 4 commits to the txid itself
	cli.merkleProof = func(*chainhash.Hash) (*esplora.MerkleProof, error) {
		return &esplora.MerkleProof{BlockHeight: 4, Pos: 0}, nil
	}
	result, err = coordinator.VerifyPayment(context.Background(), &txid, 4)
	require.NoError(t, err)
	require.Equal(t, Verified, result)
}

func TestCoordinatorNeverVerifiesAtOrBeyondTip(t *testing.T) {
	params := &chaincfg.TestNet3Params
	store, err := headerstore.Open(filepath.Join(t.TempDir(), "headers"), params)
	require.NoError(t, err)
	defer store.Close()

	txid := chainhash.DoubleHashH([]byte("payment"))
	require.NoError(t, store.Append(makeChain(params, 5, 3, &txid)))

	cli := &fakeClient{
		headers: func(start uint32, count int) ([]wire.BlockHeader, error) {
			require.EqualValues(t, 6, start)
			return nil, nil
		},
	}
	coordinator := NewChainCoordinator(store, cli, zap.NewNop())

	for _, claimed := range []uint32{5, 6, 100} {
		result, err := coordinator.VerifyPayment(context.Background(), &txid, claimed)
		require.NoError(t, err)
		require.Equal(t, NeedMoreHeaders, result)
	}
}

func TestCoordinatorRejectsBadProof(t *testing.T) {
	params := &chaincfg.TestNet3Params
	store, err := headerstore.Open(filepath.Join(t.TempDir(), "headers"), params)
	require.NoError(t, err)
	defer store.Close()

	txid := chainhash.DoubleHashH([]byte("payment"))
	other := chainhash.DoubleHashH([]byte("someone else's payment"))
	require.NoError(t, store.Append(makeChain(params, 5, 3, &other)))

	cli := &fakeClient{
		merkleProof: func(*chainhash.Hash) (*esplora.MerkleProof, error) {
			return &esplora.MerkleProof{BlockHeight: 3, Pos: 0}, nil
		},
	}
	coordinator := NewChainCoordinator(store, cli, zap.NewNop())

	result, err := coordinator.VerifyPayment(context.Background(), &txid, 3)
	require.NoError(t, err)
	require.Equal(t, NotVerified, result)
}
