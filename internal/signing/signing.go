// Package signing implements EIP-191 personal_sign signing and recovery and
// the canonical IVXP messages that are signed.
package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const signatureLen = 65

// Signer holds a provider private key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a secp256k1 key from hex, with or without a 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateKey creates a fresh signer and returns it with its hex key.
func GenerateKey() (*Signer, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", err
	}
	s := &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
	return s, hexutil.Encode(crypto.FromECDSA(key)), nil
}

// Address is the lower-cased 0x address of the key.
func (s *Signer) Address() string {
	return strings.ToLower(s.address.Hex())
}

// Sign produces a 65-byte personal_sign signature over the UTF-8 bytes of
// message, with V in {27,28}.
func (s *Signer) Sign(message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), s.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover returns the lower-cased address that produced signature over
// message. Malformed signatures return an error.
func Recover(message, signature string) (string, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != signatureLen {
		return "", fmt.Errorf("signature must be %d bytes, got %d", signatureLen, len(sig))
	}
	switch v := sig[crypto.RecoveryIDOffset]; v {
	case 0, 1:
	case 27, 28:
		sig[crypto.RecoveryIDOffset] = v - 27
	default:
		return "", fmt.Errorf("invalid recovery id %d", v)
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("recover: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Verify reports whether signature over message was produced by
// expectedAddress. Malformed signatures and addresses are a false result,
// never an error.
func Verify(message, signature, expectedAddress string) (bool, error) {
	if !common.IsHexAddress(expectedAddress) {
		return false, nil
	}
	got, err := Recover(message, signature)
	if err != nil {
		return false, nil
	}
	return strings.EqualFold(got, expectedAddress), nil
}

// FormatIVXPMessage builds the message a client signs to bind a payment to
// an order.
func FormatIVXPMessage(orderID, txHash string, ts time.Time) (string, error) {
	if orderID == "" {
		return "", errors.New("order id is required")
	}
	if txHash == "" {
		return "", errors.New("tx hash is required")
	}
	return fmt.Sprintf("Order: %s | Payment: %s | Timestamp: %s", orderID, txHash, ts.UTC().Format(time.RFC3339)), nil
}

// FormatIVXPMessageAt is FormatIVXPMessage with a caller-supplied timestamp
// string, which must be RFC 3339.
func FormatIVXPMessageAt(orderID, txHash, timestamp string) (string, error) {
	if _, err := time.Parse(time.RFC3339, timestamp); err != nil {
		return "", fmt.Errorf("invalid timestamp %q: must be RFC 3339", timestamp)
	}
	if orderID == "" {
		return "", errors.New("order id is required")
	}
	if txHash == "" {
		return "", errors.New("tx hash is required")
	}
	return fmt.Sprintf("Order: %s | Payment: %s | Timestamp: %s", orderID, txHash, timestamp), nil
}

// FormatDeliveryMessage is the provider attestation over a deliverable.
func FormatDeliveryMessage(orderID, contentHash string, ts time.Time) string {
	return fmt.Sprintf("Order: %s | Content: %s | Timestamp: %s", orderID, contentHash, ts.UTC().Format(time.RFC3339))
}
