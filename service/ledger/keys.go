package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key is a secp256k1 key pair. Pub is the 65-byte uncompressed public key.
type Key struct {
	Priv []byte
	Pub  []byte
}

// GenerateKey creates a random key pair.
func GenerateKey() (*Key, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Key{
		Priv: crypto.FromECDSA(priv),
		Pub:  crypto.FromECDSAPub(&priv.PublicKey),
	}, nil
}

// Address returns the key's address as PubKeyToAddress does.
func (k *Key) Address() (string, error) {
	return PubKeyToAddress(k.Pub)
}

// PubKeyToAddress returns the lower-case, unprefixed address of pub. It
// accepts uncompressed (65 bytes), raw (64 bytes, no 0x04 prefix) and
// compressed (33 bytes) keys.
func PubKeyToAddress(pub []byte) (string, error) {
	var key *ecdsa.PublicKey
	var err error
	switch len(pub) {
	case 65:
		key, err = crypto.UnmarshalPubkey(pub)
	case 64:
		key, err = crypto.UnmarshalPubkey(append([]byte{4}, pub...))
	case 33:
		key, err = crypto.DecompressPubkey(pub)
	default:
		return "", fmt.Errorf("invalid public key length %d", len(pub))
	}
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	addr := crypto.PubkeyToAddress(*key)
	return strings.ToLower(strings.TrimPrefix(addr.Hex(), "0x")), nil
}

// KeyWallet signs with a private key held in memory.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeyWallet wraps key.
func NewKeyWallet(key *ecdsa.PrivateKey) *KeyWallet {
	return &KeyWallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// KeyWalletFromHex parses a hex private key, with or without 0x.
func KeyWalletFromHex(s string) (*KeyWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeyWallet(key), nil
}

// KeyWalletFromBytes parses a raw 32-byte private key.
func KeyWalletFromBytes(b []byte) (*KeyWallet, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeyWallet(key), nil
}

func (w *KeyWallet) Address() common.Address { return w.address }

// PrivateKeyHex returns the key as 0x-prefixed hex.
func (w *KeyWallet) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(w.key))
}

// SignTx signs tx with EIP-155 replay protection for chainID.
func (w *KeyWallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// SignMessage signs msg under the personal-message prefix.
func (w *KeyWallet) SignMessage(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
