package spv

import (
	"bytes"
	"context"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/vesperwallet/vesper/internal/core/wallet/headerstore"
	"github.com/vesperwallet/vesper/pkg/esplora"
	"github.com/vulpemventures/go-elements/block"
	"go.uber.org/zap"
)

// Result is the outcome of one VerifyPayment call. NeedMoreHeaders means the
// local chain does not yet cover the claimed height and the caller should
// invoke VerifyPayment again later.
type Result int

const (
	NotVerified Result = iota
	Verified
	NeedMoreHeaders
)

func (r Result) String() string {
	switch r {
	case Verified:
		return "verified"
	case NeedMoreHeaders:
		return "need more headers"
	default:
		return "not verified"
	}
}

// Client is the slice of the remote indexer the coordinator needs.
type Client interface {
	Headers(ctx context.Context, start uint32, count int) ([]wire.BlockHeader, error)
	FetchMerkleProof(ctx context.Context, txid *chainhash.Hash) (*esplora.MerkleProof, error)
	RawHeaderAt(ctx context.Context, height uint32) ([]byte, error)
}

// Coordinator drives SPV verification of a single payment as a resumable,
// caller-scheduled operation. It holds no state between calls beyond the
// durable header store, so calls are idempotent and survive restarts.
//
// Exactly one of chain or side is set, chosen at wallet construction.
type Coordinator struct {
	logger *zap.Logger
	cli    Client
	store  *headerstore.Store
	chain  *ChainVerifier
	side   *SidechainVerifier
}

// NewChainCoordinator verifies against a locally synchronized header chain.
func NewChainCoordinator(store *headerstore.Store, cli Client, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		logger: logger,
		cli:    cli,
		store:  store,
		chain:  NewChainVerifier(store),
	}
}

// NewSidechainCoordinator verifies against sidechain headers fetched per call;
// no header chain is maintained.
func NewSidechainCoordinator(cli Client, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		logger: logger,
		cli:    cli,
		side:   NewSidechainVerifier(),
	}
}

// VerifyPayment checks that the transaction is included in a block at the
// claimed height. On the proof-of-work chain a result other than
// NeedMoreHeaders is terminal; the sidechain path is always terminal.
func (c *Coordinator) VerifyPayment(ctx context.Context, txid *chainhash.Hash, height uint32) (Result, error) {
	if c.side != nil {
		return c.verifySidechain(ctx, txid, height)
	}

	if height < c.store.Height() {
		proof, err := c.cli.FetchMerkleProof(ctx, txid)
		if err != nil {
			return NotVerified, err
		}
		ok, err := c.chain.Verify(txid, proof, height)
		if err != nil {
			return NotVerified, err
		}
		if !ok {
			c.logger.Warn("merkle proof mismatch",
				zap.Stringer("txid", txid), zap.Uint32("height", height))
			return NotVerified, nil
		}
		return Verified, nil
	}

	start := c.store.Height() + 1
	headers, err := c.cli.Headers(ctx, start, esplora.MaxHeaderBatch)
	if err != nil {
		return NotVerified, err
	}
	if err := c.store.Append(headers); err != nil {
		return NotVerified, err
	}
	c.logger.Debug("extended header chain",
		zap.Uint32("start", start), zap.Int("count", len(headers)))

	return NeedMoreHeaders, nil
}

func (c *Coordinator) verifySidechain(ctx context.Context, txid *chainhash.Hash, height uint32) (Result, error) {
	raw, err := c.cli.RawHeaderAt(ctx, height)
	if err != nil {
		return NotVerified, err
	}
	header, err := block.DeserializeHeader(bytes.NewBuffer(raw))
	if err != nil {
		return NotVerified, errors.Wrap(err, "error parsing sidechain header")
	}

	proof, err := c.cli.FetchMerkleProof(ctx, txid)
	if err != nil {
		return NotVerified, err
	}
	ok, err := c.side.Verify(txid, proof, header)
	if err != nil {
		return NotVerified, err
	}
	if !ok {
		c.logger.Warn("sidechain merkle proof mismatch",
			zap.Stringer("txid", txid), zap.Uint32("height", height))
		return NotVerified, nil
	}
	return Verified, nil
}
