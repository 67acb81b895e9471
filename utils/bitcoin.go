package utils

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet", "mutinynet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %s", network)
	}
}

// OutputScript returns the scriptPubKey paying to address.
func OutputScript(address string, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("invalid bitcoin address %s: %w", address, err)
	}
	if !addr.IsForNet(net) {
		return nil, fmt.Errorf("address %s is not for network %s", address, net.Name)
	}
	return txscript.PayToAddrScript(addr)
}

func IsValidBtcAddress(address string, net *chaincfg.Params) bool {
	_, err := OutputScript(address, net)
	return err == nil
}
