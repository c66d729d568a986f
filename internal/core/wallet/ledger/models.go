package ledger

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// Chain selects between the receiving (external) and change (internal)
// derivation chains.
type Chain uint32

const (
	External Chain = 0
	Internal Chain = 1
)

func (c Chain) String() string {
	if c == Internal {
		return "internal"
	}
	return "external"
}

// BatchSize is the number of consecutive derivation indices queried per
// history request. A batch with no history at all terminates the scan of its
// chain (gap limit).
const BatchSize = 20

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownInput      = errors.New("unknown input")
	ErrUntrackedScript   = errors.New("untracked script")
)

// ScriptEntry binds a derived output script to its derivation path. Entries
// are created when an address is derived and never change afterwards.
type ScriptEntry struct {
	Script []byte
	Chain  Chain
	Index  uint32
}

// Utxo is a spendable output: its script is ours and no tracked transaction
// spends it. Utxos are recomputed from the tracked transaction set, never
// stored.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    int64
	Script   []byte
	Chain    Chain
	Index    uint32
	Height   *int32
}

// TxSummary is one row of the wallet's transaction list. Height and Timestamp
// are nil while the transaction is unconfirmed.
type TxSummary struct {
	Txid      chainhash.Hash
	Height    *int32
	Timestamp *int64
	Fee       int64
	Received  int64
	Sent      int64
}

// Recipient is one requested payment output.
type Recipient struct {
	Script []byte
	Amount int64
}

// TxMeta carries a built transaction together with the bookkeeping the caller
// needs for display: the computed fee, the total of requested outputs, and a
// per-output flag marking change.
type TxMeta struct {
	Tx        *wire.MsgTx
	Fee       int64
	Requested int64
	Change    []bool
}
