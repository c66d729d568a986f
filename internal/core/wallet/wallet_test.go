package wallet

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/vesperwallet/vesper/internal/core/wallet/ledger"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon about"

func TestNetworkByName(t *testing.T) {
	n, err := NetworkByName("liquid")
	require.NoError(t, err)
	require.NotNil(t, n.Sidechain)
	require.Equal(t, &chaincfg.MainNetParams, n.Params)

	n, err = NetworkByName("testnet")
	require.NoError(t, err)
	require.Nil(t, n.Sidechain)

	_, err = NetworkByName("nope")
	require.Error(t, err)
}

func TestKeyRingRejectsBadMnemonic(t *testing.T) {
	_, err := NewKeyRing("not a mnemonic", "", Testnet)
	require.Error(t, err)
}

func TestKeyRingAddresses(t *testing.T) {
	ring, err := NewKeyRing(testMnemonic, "", Testnet)
	require.NoError(t, err)

	addr, err := ring.Address(ledger.External, 0)
	require.NoError(t, err)

	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	_, ok := decoded.(*btcutil.AddressScriptHash)
	require.True(t, ok)

	// paths yield distinct addresses, deterministically
	other, err := ring.Address(ledger.External, 1)
	require.NoError(t, err)
	require.NotEqual(t, addr, other)
	again, err := ring.Address(ledger.External, 0)
	require.NoError(t, err)
	require.Equal(t, addr, again)

	change, err := ring.Address(ledger.Internal, 0)
	require.NoError(t, err)
	require.NotEqual(t, addr, change)
}

func TestKeyRingScriptMatchesAddress(t *testing.T) {
	ring, err := NewKeyRing(testMnemonic, "", Testnet)
	require.NoError(t, err)

	script, err := ring.ScriptAt(ledger.External, 7)
	require.NoError(t, err)
	require.Len(t, script, 23)
	require.Equal(t, byte(0xa9), script[0]) // OP_HASH160
	require.Equal(t, byte(0x87), script[22])

	addr, err := ring.Address(ledger.External, 7)
	require.NoError(t, err)
	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	require.Equal(t, script[2:22], decoded.ScriptAddress())
}

// Known derivation: this testnet xprv maps to this nested-segwit address.
func TestNestedAddressVector(t *testing.T) {
	const (
		xprv     = "tprv8jdzkeuCYeH5hi8k2JuZXJWV8sPNK62ashYyUVD9Euv5CPVr2xUbRFEM4yJBB1yBHZuRKWLeWuzH4ptmvSgjLj81AvPc9JhV4i8wEfZYfPb"
		wantPub  = "0386fe0922d694cef4fa197f9040da7e264b0a0ff38aa2e647545e5a6d6eab5bfc"
		wantAddr = "2NCEMwNagVAbbQWNfu7M7DNGxkknVTzhooC"
	)
	key, err := hdkeychain.NewKeyFromString(xprv)
	require.NoError(t, err)
	pub, err := key.ECPubKey()
	require.NoError(t, err)
	require.Equal(t, wantPub, hex.EncodeToString(pub.SerializeCompressed()))

	redeem, err := redeemScript(pub.SerializeCompressed())
	require.NoError(t, err)
	addr, err := btcutil.NewAddressScriptHash(redeem, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	require.Equal(t, wantAddr, addr.EncodeAddress())
}

func TestKeyRingLiquidAddresses(t *testing.T) {
	ring, err := NewKeyRing(testMnemonic, "", Liquid)
	require.NoError(t, err)

	addr, err := ring.Address(ledger.External, 0)
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	other, err := ring.Address(ledger.External, 1)
	require.NoError(t, err)
	require.NotEqual(t, addr, other)

	// confidential addresses are longer than their plain counterparts
	plain, err := NewKeyRing(testMnemonic, "", Mainnet)
	require.NoError(t, err)
	plainAddr, err := plain.Address(ledger.External, 0)
	require.NoError(t, err)
	require.Greater(t, len(addr), len(plainAddr))

	// the same seed yields the same script bytes on both families
	liquidScript, err := ring.ScriptAt(ledger.External, 0)
	require.NoError(t, err)
	mainScript, err := plain.ScriptAt(ledger.External, 0)
	require.NoError(t, err)
	require.Equal(t, mainScript, liquidScript)

	_, blindPub, err := ring.BlindingKeyAt(ledger.External, 0)
	require.NoError(t, err)
	require.NotNil(t, blindPub)

	_, _, err = plain.BlindingKeyAt(ledger.External, 0)
	require.Error(t, err)
}

func TestKeyRingPassphraseChangesKeys(t *testing.T) {
	plain, err := NewKeyRing(testMnemonic, "", Testnet)
	require.NoError(t, err)
	salted, err := NewKeyRing(testMnemonic, "hunter2", Testnet)
	require.NoError(t, err)

	a, err := plain.Address(ledger.External, 0)
	require.NoError(t, err)
	b, err := salted.Address(ledger.External, 0)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
