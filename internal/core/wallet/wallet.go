package wallet

import (
	"context"
	"os"
	"path/filepath"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vesperwallet/vesper/internal/core/wallet/headerstore"
	"github.com/vesperwallet/vesper/internal/core/wallet/ledger"
	"github.com/vesperwallet/vesper/internal/core/wallet/spv"
	"github.com/vesperwallet/vesper/pkg/esplora"
)

type Config struct {
	Network    Network
	Mnemonic   string
	Passphrase string
	DataDir    string
	IndexerURL string
	// Proxy is an optional socks5 host:port all indexer traffic goes through.
	Proxy     string
	ProxyUser string
	ProxyPass string
	Builder   ledger.BuilderConfig
	Logger    *zap.Logger
}

// Wallet ties the pieces together: key derivation, the indexer client, the
// synced ledger, transaction construction and signing, and payment
// verification.
type Wallet struct {
	cfg    Config
	logger *zap.Logger

	keys    *KeyRing
	cli     *esplora.Client
	headers *headerstore.Store
	store   *ledger.Store
	ledger  *ledger.Ledger
	builder *ledger.Builder
	signer  *ledger.Signer
	spv     *spv.Coordinator
}

// Address is a freshly derived receiving or change address.
type Address struct {
	Chain   ledger.Chain
	Index   uint32
	Script  []byte
	Address string
}

func New(cfg Config) (*Wallet, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IndexerURL == "" {
		return nil, errors.New("indexer url required")
	}

	keys, err := NewKeyRing(cfg.Mnemonic, cfg.Passphrase, cfg.Network)
	if err != nil {
		return nil, err
	}

	var opts []esplora.Option
	if cfg.Proxy != "" {
		opts = append(opts, esplora.WithProxy(cfg.Proxy, cfg.ProxyUser, cfg.ProxyPass))
	}
	cli := esplora.New(cfg.IndexerURL, opts...)

	dir := filepath.Join(cfg.DataDir, cfg.Network.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "error creating data dir")
	}
	store, err := ledger.OpenStore(filepath.Join(dir, "wallet.db"))
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		cfg:     cfg,
		logger:  cfg.Logger,
		keys:    keys,
		cli:     cli,
		store:   store,
		ledger:  ledger.New(store, cli, keys, cfg.Logger),
		builder: ledger.NewBuilder(cfg.Builder),
		signer:  ledger.NewSigner(store, keys),
	}

	if cfg.Network.Sidechain != nil {
		w.spv = spv.NewSidechainCoordinator(cli, cfg.Logger)
	} else {
		w.headers, err = headerstore.Open(filepath.Join(dir, "headers.db"), cfg.Network.Params)
		if err != nil {
			store.Close()
			return nil, err
		}
		w.spv = spv.NewChainCoordinator(w.headers, cli, cfg.Logger)
	}
	return w, nil
}

func (w *Wallet) Close() error {
	if w.headers != nil {
		if err := w.headers.Close(); err != nil {
			return err
		}
	}
	return w.store.Close()
}

func (w *Wallet) Sync(ctx context.Context) error {
	return w.ledger.Sync(ctx)
}

// NextAddress allocates a fresh address on the chain. The script is tracked
// immediately, so funds sent to it show up on the next sync.
func (w *Wallet) NextAddress(ctx context.Context, chain ledger.Chain) (*Address, error) {
	index, script, err := w.ledger.NextIndex(ctx, chain)
	if err != nil {
		return nil, err
	}
	addr, err := w.keys.Address(chain, index)
	if err != nil {
		return nil, err
	}
	w.logger.Info("derived address",
		zap.Stringer("chain", chain), zap.Uint32("index", index), zap.String("address", addr))
	return &Address{Chain: chain, Index: index, Script: script, Address: addr}, nil
}

func (w *Wallet) Balance(ctx context.Context) (int64, error) {
	return w.ledger.Balance(ctx)
}

func (w *Wallet) Utxos(ctx context.Context) ([]ledger.Utxo, error) {
	return w.ledger.Utxos(ctx)
}

func (w *Wallet) ListTransactions(ctx context.Context) ([]ledger.TxSummary, error) {
	return w.ledger.ListTransactions(ctx)
}

// BuildTransaction assembles an unsigned payment to the recipients, drawing
// on the wallet's utxo set. An internal index is allocated for change only
// when the build actually emits a change output. feeRate is satoshi per 1000
// vbytes, zero for the default.
func (w *Wallet) BuildTransaction(ctx context.Context, recipients []ledger.Recipient, feeRate int64) (*ledger.TxMeta, error) {
	utxos, err := w.ledger.Utxos(ctx)
	if err != nil {
		return nil, err
	}
	allocate := func() ([]byte, error) {
		_, script, err := w.ledger.NextIndex(ctx, ledger.Internal)
		return script, err
	}
	meta, err := w.builder.Build(utxos, recipients, allocate, feeRate)
	if err != nil {
		return nil, err
	}
	w.logger.Info("built transaction",
		zap.Int("inputs", len(meta.Tx.TxIn)),
		zap.Int("outputs", len(meta.Tx.TxOut)),
		zap.Int64("fee", meta.Fee))
	return meta, nil
}

func (w *Wallet) SignTransaction(ctx context.Context, tx *wire.MsgTx) error {
	return w.signer.Sign(ctx, tx)
}

func (w *Wallet) Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	if err := w.cli.Broadcast(ctx, tx); err != nil {
		return chainhash.Hash{}, err
	}
	txid := tx.TxHash()
	w.logger.Info("broadcast transaction", zap.Stringer("txid", &txid))
	return txid, nil
}

// Send builds, signs and broadcasts a payment in one go.
func (w *Wallet) Send(ctx context.Context, recipients []ledger.Recipient, feeRate int64) (chainhash.Hash, error) {
	meta, err := w.BuildTransaction(ctx, recipients, feeRate)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if err := w.SignTransaction(ctx, meta.Tx); err != nil {
		return chainhash.Hash{}, err
	}
	return w.Broadcast(ctx, meta.Tx)
}

// VerifyPayment checks the inclusion proof for a transaction claimed at a
// height. On proof-of-work networks headers are accumulated locally, so the
// caller loops while the result is NeedMoreHeaders.
func (w *Wallet) VerifyPayment(ctx context.Context, txid string, height uint32) (spv.Result, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return spv.NotVerified, errors.Wrap(err, "invalid txid")
	}
	return w.spv.VerifyPayment(ctx, hash, height)
}

// TipHeight reports the indexer's current chain tip.
func (w *Wallet) TipHeight(ctx context.Context) (uint32, error) {
	return w.cli.TipHeight(ctx)
}
