package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"
	"github.com/vulpemventures/go-elements/payment"
	"github.com/vulpemventures/go-elements/slip77"

	"github.com/vesperwallet/vesper/internal/core/wallet/ledger"
)

// KeyRing derives everything the wallet needs from a BIP39 mnemonic: signing
// keys and output scripts at chain/index paths, and on confidential networks
// the SLIP-77 blinding keys. All outputs are nested segwit (p2sh-p2wpkh).
type KeyRing struct {
	master   *hdkeychain.ExtendedKey
	network  Network
	blinding *slip77.Slip77
}

func NewKeyRing(mnemonic, passphrase string, network Network) (*KeyRing, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	master, err := hdkeychain.NewMaster(seed, network.Params)
	if err != nil {
		return nil, errors.Wrap(err, "error deriving master key")
	}

	ring := &KeyRing{master: master, network: network}
	if network.Sidechain != nil {
		if ring.blinding, err = slip77.FromSeed(seed); err != nil {
			return nil, errors.Wrap(err, "error deriving blinding master key")
		}
	}
	return ring, nil
}

func (k *KeyRing) derive(chain ledger.Chain, index uint32) (*hdkeychain.ExtendedKey, error) {
	key := k.master
	var err error
	for _, step := range []uint32{uint32(chain), index} {
		if key, err = key.Derive(step); err != nil {
			return nil, errors.Wrap(err, "error deriving child key")
		}
	}
	return key, nil
}

func (k *KeyRing) PrivKeyAt(chain ledger.Chain, index uint32) (*btcec.PrivateKey, error) {
	key, err := k.derive(chain, index)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, errors.Wrap(err, "error extracting private key")
	}
	return priv, nil
}

func (k *KeyRing) pubKeyAt(chain ledger.Chain, index uint32) (*btcec.PublicKey, error) {
	key, err := k.derive(chain, index)
	if err != nil {
		return nil, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, errors.Wrap(err, "error extracting public key")
	}
	return pub, nil
}

func redeemScript(pub []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pub)).
		Script()
}

// ScriptAt returns the p2sh output script at the path. The same script bytes
// apply on both network families.
func (k *KeyRing) ScriptAt(chain ledger.Chain, index uint32) ([]byte, error) {
	pub, err := k.pubKeyAt(chain, index)
	if err != nil {
		return nil, err
	}
	redeem, err := redeemScript(pub.SerializeCompressed())
	if err != nil {
		return nil, errors.Wrap(err, "error building redeem script")
	}
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(redeem)).
		AddOp(txscript.OP_EQUAL).
		Script()
	return script, errors.Wrap(err, "error building output script")
}

// Address encodes the script at the path for the wallet's network: a p2sh
// address, confidential on sidechains with the script's SLIP-77 blinding key
// baked in.
func (k *KeyRing) Address(chain ledger.Chain, index uint32) (string, error) {
	pub, err := k.pubKeyAt(chain, index)
	if err != nil {
		return "", err
	}

	if k.network.Sidechain != nil {
		script, err := k.ScriptAt(chain, index)
		if err != nil {
			return "", err
		}
		_, blindPub, err := k.blinding.DeriveKey(script)
		if err != nil {
			return "", errors.Wrap(err, "error deriving blinding key")
		}
		p2wpkh := payment.FromPublicKey(pub, k.network.Sidechain, blindPub)
		p2sh, err := payment.FromPayment(p2wpkh)
		if err != nil {
			return "", errors.Wrap(err, "error building nested payment")
		}
		addr, err := p2sh.ConfidentialScriptHash()
		return addr, errors.Wrap(err, "error encoding confidential address")
	}

	redeem, err := redeemScript(pub.SerializeCompressed())
	if err != nil {
		return "", errors.Wrap(err, "error building redeem script")
	}
	addr, err := btcutil.NewAddressScriptHash(redeem, k.network.Params)
	if err != nil {
		return "", errors.Wrap(err, "error encoding address")
	}
	return addr.EncodeAddress(), nil
}

// BlindingKeyAt returns the SLIP-77 blinding keypair for the script at the
// path. Only valid on confidential networks.
func (k *KeyRing) BlindingKeyAt(chain ledger.Chain, index uint32) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	if k.blinding == nil {
		return nil, nil, errors.New("network has no blinding keys")
	}
	script, err := k.ScriptAt(chain, index)
	if err != nil {
		return nil, nil, err
	}
	priv, pub, err := k.blinding.DeriveKey(script)
	return priv, pub, errors.Wrap(err, "error deriving blinding key")
}
