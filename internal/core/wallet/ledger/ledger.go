package ledger

import (
	"context"
	"sort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vesperwallet/vesper/pkg/esplora"
)

// Client is the slice of the indexer API the ledger needs.
type Client interface {
	ScriptHistory(ctx context.Context, scripts [][]byte) ([][]esplora.HistoryItem, error)
	Transactions(ctx context.Context, txids []chainhash.Hash) ([]*wire.MsgTx, error)
	HeaderAt(ctx context.Context, height uint32) (*wire.BlockHeader, error)
}

// ScriptDeriver produces the watch script at a derivation path.
type ScriptDeriver interface {
	ScriptAt(chain Chain, index uint32) ([]byte, error)
}

// Ledger reconciles the wallet's durable state against the indexer's view of
// the chain.
type Ledger struct {
	store   *Store
	cli     Client
	deriver ScriptDeriver
	logger  *zap.Logger
}

func New(store *Store, cli Client, deriver ScriptDeriver, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, cli: cli, deriver: deriver, logger: logger}
}

// Sync walks both derivation chains in gap-limit batches, downloads any
// transactions it has not seen before along with their inputs' previous
// transactions, and reconciles confirmation heights. Transactions that drop
// out of the indexer's history keep their row but lose their height, so a
// reorged or replaced payment shows as unconfirmed rather than vanishing.
func (l *Ledger) Sync(ctx context.Context) error {
	seen := make(map[chainhash.Hash]int32)

	for _, chain := range []Chain{External, Internal} {
		if err := l.scanChain(ctx, chain, seen); err != nil {
			return err
		}
	}

	if err := l.downloadTxs(ctx, seen); err != nil {
		return err
	}
	if err := l.reconcileHeights(ctx, seen); err != nil {
		return err
	}
	return l.downloadHeaders(ctx)
}

// scanChain derives scripts in fixed-size batches and stops at the first
// batch with no history at all.
func (l *Ledger) scanChain(ctx context.Context, chain Chain, seen map[chainhash.Hash]int32) error {
	lastUsed, err := l.store.LastIndex(ctx, chain)
	if err != nil {
		return err
	}
	maxUsed := lastUsed

	for batch := uint32(0); ; batch++ {
		scripts, err := l.scriptBatch(ctx, chain, batch)
		if err != nil {
			return err
		}

		histories, err := l.cli.ScriptHistory(ctx, scripts)
		if err != nil {
			return errors.Wrap(err, "error fetching script history")
		}

		used := false
		for i, history := range histories {
			if len(history) == 0 {
				continue
			}
			used = true
			index := batch*BatchSize + uint32(i)
			if index > maxUsed {
				maxUsed = index
			}
			for _, item := range history {
				seen[item.Txid] = item.Height
			}
		}

		if !used && batch*BatchSize+BatchSize > lastUsed {
			break
		}
	}

	l.logger.Debug("scanned chain",
		zap.Stringer("chain", chain), zap.Uint32("last_used", maxUsed))
	return l.store.SetLastIndex(ctx, chain, maxUsed)
}

// scriptBatch returns scripts batch*BatchSize..+BatchSize-1, deriving and
// persisting any not yet stored.
func (l *Ledger) scriptBatch(ctx context.Context, chain Chain, batch uint32) ([][]byte, error) {
	scripts := make([][]byte, 0, BatchSize)
	for i := uint32(0); i < BatchSize; i++ {
		index := batch*BatchSize + i
		script, found, err := l.store.ScriptAt(ctx, chain, index)
		if err != nil {
			return nil, err
		}
		if !found {
			if script, err = l.deriver.ScriptAt(chain, index); err != nil {
				return nil, errors.Wrap(err, "error deriving script")
			}
			entry := ScriptEntry{Script: script, Chain: chain, Index: index}
			if err := l.store.UpsertScript(ctx, entry); err != nil {
				return nil, err
			}
		}
		scripts = append(scripts, script)
	}
	return scripts, nil
}

// downloadTxs fetches unseen history transactions, then one more layer: the
// previous transactions their inputs spend, needed for fee and sent-amount
// accounting.
func (l *Ledger) downloadTxs(ctx context.Context, seen map[chainhash.Hash]int32) error {
	stored, err := l.store.AllTxids(ctx)
	if err != nil {
		return err
	}

	var missing []chainhash.Hash
	for txid := range seen {
		if _, ok := stored[txid]; !ok {
			missing = append(missing, txid)
		}
	}

	txs, err := l.cli.Transactions(ctx, missing)
	if err != nil {
		return errors.Wrap(err, "error downloading transactions")
	}

	var previous []chainhash.Hash
	for i, tx := range txs {
		if err := l.store.InsertTx(ctx, &missing[i], tx); err != nil {
			return err
		}
		stored[missing[i]] = struct{}{}
		for _, in := range tx.TxIn {
			prev := in.PreviousOutPoint.Hash
			if _, ok := stored[prev]; !ok {
				previous = append(previous, prev)
				stored[prev] = struct{}{}
			}
		}
	}

	if len(previous) == 0 {
		return nil
	}
	prevTxs, err := l.cli.Transactions(ctx, previous)
	if err != nil {
		return errors.Wrap(err, "error downloading previous transactions")
	}
	for i, tx := range prevTxs {
		if err := l.store.InsertTx(ctx, &previous[i], tx); err != nil {
			return err
		}
	}

	l.logger.Debug("downloaded transactions",
		zap.Int("new", len(missing)), zap.Int("previous", len(previous)))
	return nil
}

func (l *Ledger) reconcileHeights(ctx context.Context, seen map[chainhash.Hash]int32) error {
	tracked, err := l.store.TrackedHeights(ctx)
	if err != nil {
		return err
	}

	for txid, height := range seen {
		txid := txid
		var value *int32
		if height > 0 {
			h := height
			value = &h
		}
		if err := l.store.UpsertHeight(ctx, &txid, value); err != nil {
			return err
		}
	}

	for txid, height := range tracked {
		if _, ok := seen[txid]; ok || height == nil {
			continue
		}
		txid := txid
		l.logger.Info("transaction dropped from history, demoting to unconfirmed",
			zap.Stringer("txid", &txid))
		if err := l.store.ClearHeight(ctx, &txid); err != nil {
			return err
		}
	}
	return nil
}

// downloadHeaders fills in block headers for confirmed heights so the
// transaction list can carry timestamps.
func (l *Ledger) downloadHeaders(ctx context.Context) error {
	tracked, err := l.store.TrackedHeights(ctx)
	if err != nil {
		return err
	}
	stored, err := l.store.HeaderHeights(ctx)
	if err != nil {
		return err
	}

	for _, height := range tracked {
		if height == nil {
			continue
		}
		if _, ok := stored[*height]; ok {
			continue
		}
		header, err := l.cli.HeaderAt(ctx, uint32(*height))
		if err != nil {
			return errors.Wrap(err, "error downloading header")
		}
		if err := l.store.InsertHeader(ctx, *height, header); err != nil {
			return err
		}
		stored[*height] = struct{}{}
	}
	return nil
}

// Utxos returns the wallet's unspent outputs, largest first.
func (l *Ledger) Utxos(ctx context.Context) ([]Utxo, error) {
	txs, err := l.store.AllTransactions(ctx)
	if err != nil {
		return nil, err
	}
	tracked, err := l.store.TrackedHeights(ctx)
	if err != nil {
		return nil, err
	}

	spent := make(map[wire.OutPoint]struct{})
	for txid := range tracked {
		tx, ok := txs[txid]
		if !ok {
			continue
		}
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = struct{}{}
		}
	}

	var utxos []Utxo
	for txid, height := range tracked {
		tx, ok := txs[txid]
		if !ok {
			continue
		}
		for vout, out := range tx.TxOut {
			chain, index, mine, err := l.store.PathForScript(ctx, out.PkScript)
			if err != nil {
				return nil, err
			}
			if !mine {
				continue
			}
			op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
			if _, ok := spent[op]; ok {
				continue
			}
			utxos = append(utxos, Utxo{
				OutPoint: op,
				Value:    out.Value,
				Script:   out.PkScript,
				Chain:    chain,
				Index:    index,
				Height:   height,
			})
		}
	}

	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].Value != utxos[j].Value {
			return utxos[i].Value > utxos[j].Value
		}
		return utxos[i].OutPoint.String() < utxos[j].OutPoint.String()
	})
	return utxos, nil
}

func (l *Ledger) Balance(ctx context.Context) (int64, error) {
	utxos, err := l.Utxos(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

// ListTransactions returns the wallet's tracked transactions, newest first
// with unconfirmed ones on top.
func (l *Ledger) ListTransactions(ctx context.Context) ([]TxSummary, error) {
	txs, err := l.store.AllTransactions(ctx)
	if err != nil {
		return nil, err
	}
	tracked, err := l.store.TrackedHeights(ctx)
	if err != nil {
		return nil, err
	}

	var summaries []TxSummary
	for txid, height := range tracked {
		tx, ok := txs[txid]
		if !ok {
			continue
		}

		var received, sent, inputTotal int64
		allInputsKnown := true
		for _, in := range tx.TxIn {
			prev, ok := txs[in.PreviousOutPoint.Hash]
			if !ok || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
				allInputsKnown = false
				continue
			}
			out := prev.TxOut[in.PreviousOutPoint.Index]
			inputTotal += out.Value
			_, _, mine, err := l.store.PathForScript(ctx, out.PkScript)
			if err != nil {
				return nil, err
			}
			if mine {
				sent += out.Value
			}
		}

		var outputTotal int64
		for _, out := range tx.TxOut {
			outputTotal += out.Value
			_, _, mine, err := l.store.PathForScript(ctx, out.PkScript)
			if err != nil {
				return nil, err
			}
			if mine {
				received += out.Value
			}
		}

		var fee int64
		if allInputsKnown {
			fee = inputTotal - outputTotal
		}

		summary := TxSummary{
			Txid:     txid,
			Height:   height,
			Fee:      fee,
			Received: received,
			Sent:     sent,
		}
		if height != nil {
			header, found, err := l.store.GetHeader(ctx, *height)
			if err != nil {
				return nil, err
			}
			if found {
				ts := header.Timestamp.Unix()
				summary.Timestamp = &ts
			}
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		hi, hj := summaries[i].Height, summaries[j].Height
		switch {
		case hi == nil && hj == nil:
			return summaries[i].Txid.String() < summaries[j].Txid.String()
		case hi == nil:
			return true
		case hj == nil:
			return false
		case *hi != *hj:
			return *hi > *hj
		default:
			return summaries[i].Txid.String() < summaries[j].Txid.String()
		}
	})
	return summaries, nil
}

// NextIndex allocates a fresh derivation index on the chain and returns it
// with its script, already persisted so the next sync watches it.
func (l *Ledger) NextIndex(ctx context.Context, chain Chain) (uint32, []byte, error) {
	index, err := l.store.IncrementIndex(ctx, chain)
	if err != nil {
		return 0, nil, err
	}
	script, err := l.deriver.ScriptAt(chain, index)
	if err != nil {
		return 0, nil, errors.Wrap(err, "error deriving script")
	}
	entry := ScriptEntry{Script: script, Chain: chain, Index: index}
	if err := l.store.UpsertScript(ctx, entry); err != nil {
		return 0, nil, err
	}
	return index, script, nil
}
