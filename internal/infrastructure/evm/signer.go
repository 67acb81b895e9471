package evm

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// Derivation path m/44'/60'/0'/0/0 of the first ethereum account.
var accountPath = []uint32{
	bip32.FirstHardenedChild + 44,
	bip32.FirstHardenedChild + 60,
	bip32.FirstHardenedChild,
	0,
	0,
}

type signer struct {
	key *ecdsa.PrivateKey
}

func NewSigner(key *ecdsa.PrivateKey) ports.Signer {
	return &signer{key}
}

// SignerFromHex loads a signer from a hex encoded private key.
func SignerFromHex(privateKey string) (ports.Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(key), nil
}

// SignerFromMnemonic derives the signer of the first account of a bip39
// mnemonic.
func SignerFromMnemonic(mnemonic, password string) (ports.Signer, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, password)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	for _, index := range accountPath {
		if key, err = key.NewChildKey(index); err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
	}

	priv, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, err
	}
	return NewSigner(priv), nil
}

// NewMnemonic generates a 24 words mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func (s *signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s *signer) SignHash(hash []byte) ([]byte, error) {
	return crypto.Sign(hash, s.key)
}
