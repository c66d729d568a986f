package wallet

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	elements "github.com/vulpemventures/go-elements/network"
)

// Network selects the chain the wallet operates on. Sidechain is nil for
// plain proof-of-work networks; when set, addresses are confidential and
// payment proofs are checked against indexer headers instead of a locally
// validated header chain.
type Network struct {
	Name      string
	Params    *chaincfg.Params
	Sidechain *elements.Network
}

var (
	Mainnet = Network{Name: "mainnet", Params: &chaincfg.MainNetParams}
	Testnet = Network{Name: "testnet", Params: &chaincfg.TestNet3Params}
	Regtest = Network{Name: "regtest", Params: &chaincfg.RegressionNetParams}

	Liquid = Network{
		Name:      "liquid",
		Params:    &chaincfg.MainNetParams,
		Sidechain: &elements.Liquid,
	}
	LiquidTestnet = Network{
		Name:      "liquidtestnet",
		Params:    &chaincfg.TestNet3Params,
		Sidechain: &elements.Testnet,
	}
	LiquidRegtest = Network{
		Name:      "liquidregtest",
		Params:    &chaincfg.RegressionNetParams,
		Sidechain: &elements.Regtest,
	}
)

func NetworkByName(name string) (Network, error) {
	for _, n := range []Network{Mainnet, Testnet, Regtest, Liquid, LiquidTestnet, LiquidRegtest} {
		if n.Name == name {
			return n, nil
		}
	}
	return Network{}, errors.Errorf("unknown network %q", name)
}
