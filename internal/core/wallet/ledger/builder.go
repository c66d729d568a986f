package ledger

import (
	"sort"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BuilderConfig tunes fee estimation and coin selection.
type BuilderConfig struct {
	// DefaultFeeRate in satoshi per 1000 vbytes, used when the caller passes
	// a zero rate.
	DefaultFeeRate int64
	// FeeMultiplier pads the per-byte rate to absorb estimation error.
	FeeMultiplier decimal.Decimal
	// SigSlackBytes is charged per input on top of its unsigned serialized
	// size, covering the signature, pubkey and redeem script to come.
	SigSlackBytes int64
	// DustThreshold is the smallest change value worth an output. Anything
	// at or below it is left to the fee.
	DustThreshold int64
}

func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		DefaultFeeRate: 1000,
		FeeMultiplier:  decimal.NewFromFloat(1.3),
		SigSlackBytes:  50,
		DustThreshold:  546,
	}
}

// Builder assembles unsigned transactions from the wallet's utxo set.
type Builder struct {
	cfg BuilderConfig
}

func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.DefaultFeeRate == 0 {
		cfg.DefaultFeeRate = 1000
	}
	if cfg.FeeMultiplier.IsZero() {
		cfg.FeeMultiplier = decimal.NewFromFloat(1.3)
	}
	return &Builder{cfg: cfg}
}

// ChangeAllocator yields a fresh change script. It is invoked at most once,
// and only after the remainder is known to exceed the dust threshold, so
// dust-change and failed builds never consume a derivation index.
type ChangeAllocator func() ([]byte, error)

// Build selects coins largest-first and assembles an unsigned transaction
// paying the recipients, with change to a freshly allocated script when the
// remainder exceeds the dust threshold. feeRate is satoshi per 1000 vbytes;
// zero means the configured default. The fee grows as inputs are added, so
// selection loops until the inputs cover outputs plus the running fee
// estimate. The estimate does not account for the change output itself.
func (b *Builder) Build(utxos []Utxo, recipients []Recipient, allocate ChangeAllocator, feeRate int64) (*TxMeta, error) {
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}
	if feeRate == 0 {
		feeRate = b.cfg.DefaultFeeRate
	}
	perByte := decimal.NewFromInt(feeRate).
		Div(decimal.NewFromInt(1000)).
		Mul(b.cfg.FeeMultiplier)

	tx := wire.NewMsgTx(wire.TxVersion)
	var requested int64
	fee := perByte.Mul(decimal.NewFromInt(int64(tx.SerializeSizeStripped())))
	for _, r := range recipients {
		if r.Amount <= 0 {
			return nil, errors.New("non-positive recipient amount")
		}
		out := wire.NewTxOut(r.Amount, r.Script)
		tx.AddTxOut(out)
		requested += r.Amount
		fee = fee.Add(perByte.Mul(decimal.NewFromInt(int64(out.SerializeSize()))))
	}

	sorted := make([]Utxo, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Value > sorted[j].Value
	})

	var funded int64
	for _, u := range sorted {
		if funded >= requested+fee.IntPart() {
			break
		}
		in := wire.NewTxIn(&u.OutPoint, nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum - 1
		tx.AddTxIn(in)
		funded += u.Value
		inputCost := int64(in.SerializeSize()) + b.cfg.SigSlackBytes
		fee = fee.Add(perByte.Mul(decimal.NewFromInt(inputCost)))
	}
	if funded < requested+fee.IntPart() {
		return nil, ErrInsufficientFunds
	}

	change := make([]bool, len(tx.TxOut))
	if remainder := funded - requested - fee.IntPart(); remainder > b.cfg.DustThreshold {
		changeScript, err := allocate()
		if err != nil {
			return nil, errors.Wrap(err, "error allocating change script")
		}
		tx.AddTxOut(wire.NewTxOut(remainder, changeScript))
		change = append(change, true)
	}

	var outputs int64
	for _, out := range tx.TxOut {
		outputs += out.Value
	}

	return &TxMeta{
		Tx:        tx,
		Fee:       funded - outputs,
		Requested: requested,
		Change:    change,
	}, nil
}
