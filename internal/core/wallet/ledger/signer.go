package ledger

import (
	"context"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// KeySource yields the private key at a derivation path.
type KeySource interface {
	PrivKeyAt(chain Chain, index uint32) (*btcec.PrivateKey, error)
}

// Signer signs transactions whose inputs spend the wallet's nested-segwit
// (p2sh-wrapped p2wpkh) outputs.
type Signer struct {
	store *Store
	keys  KeySource
}

func NewSigner(store *Store, keys KeySource) *Signer {
	return &Signer{store: store, keys: keys}
}

// Sign fills in the witness and scriptSig of every input in place. Every
// input's previous transaction must already be in the store and its spent
// script must be one of ours.
func (s *Signer) Sign(ctx context.Context, tx *wire.MsgTx) error {
	prevOuts := make([]*wire.TxOut, len(tx.TxIn))
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		prevTx, found, err := s.store.GetTx(ctx, &in.PreviousOutPoint.Hash)
		if err != nil {
			return err
		}
		if !found || int(in.PreviousOutPoint.Index) >= len(prevTx.TxOut) {
			return errors.Wrapf(ErrUnknownInput, "input %d (%s)", i, in.PreviousOutPoint)
		}
		prevOuts[i] = prevTx.TxOut[in.PreviousOutPoint.Index]
		fetcher.AddPrevOut(in.PreviousOutPoint, prevOuts[i])
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, prevOut := range prevOuts {
		chain, index, found, err := s.store.PathForScript(ctx, prevOut.PkScript)
		if err != nil {
			return err
		}
		if !found {
			return errors.Wrapf(ErrUntrackedScript, "input %d", i)
		}
		priv, err := s.keys.PrivKeyAt(chain, index)
		if err != nil {
			return errors.Wrap(err, "error deriving key")
		}
		if err := signInput(tx, sigHashes, i, prevOut.Value, priv); err != nil {
			return err
		}
	}
	return nil
}

// signInput produces the BIP143 signature for a p2sh-wrapped p2wpkh input.
// The sighash commits to the p2pkh script of the derived pubkey, the witness
// is [signature, pubkey], and the scriptSig pushes the p2wpkh redeem script.
func signInput(tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, idx int, value int64, priv *btcec.PrivateKey) error {
	pub := priv.PubKey().SerializeCompressed()
	pubHash := btcutil.Hash160(pub)

	scriptCode, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pubHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return errors.Wrap(err, "error building script code")
	}

	sig, err := txscript.RawTxInWitnessSignature(
		tx, sigHashes, idx, value, scriptCode, txscript.SigHashAll, priv)
	if err != nil {
		return errors.Wrap(err, "error signing input")
	}
	tx.TxIn[idx].Witness = wire.TxWitness{sig, pub}

	redeem, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(pubHash).
		Script()
	if err != nil {
		return errors.Wrap(err, "error building redeem script")
	}
	scriptSig, err := txscript.NewScriptBuilder().AddData(redeem).Script()
	if err != nil {
		return errors.Wrap(err, "error building script sig")
	}
	tx.TxIn[idx].SignatureScript = scriptSig
	return nil
}
