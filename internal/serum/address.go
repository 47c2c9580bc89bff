package serum

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Well-known addresses.
const (
	// NativeMint is the Wrapped SOL mint address.
	NativeMint = "So11111111111111111111111111111111111111112"
	// NativeSymbol is the venue's native asset ticker.
	NativeSymbol = "SOL"
	// NativeDecimals is fixed for the native asset (lamports per SOL).
	NativeDecimals = 9
)

// ParseAddress validates a base58 account address and returns its raw bytes.
func ParseAddress(addr string) ([]byte, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", addr, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("parse address %q: %d bytes, want 32", addr, len(raw))
	}
	return raw, nil
}

// IsOnCurve reports whether the 32-byte point lies on the ed25519 curve.
// Wallet addresses are on-curve; program derived addresses are not.
func IsOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// DeriveOpenOrdersAddress derives the program address of the open-orders
// account for (market, owner) under programID, using the standard PDA
// algorithm: append a bump seed and the "ProgramDerivedAddress" marker,
// SHA256, and take the first bump whose hash is off-curve.
func DeriveOpenOrdersAddress(market, owner, programID string) (string, error) {
	marketRaw, err := ParseAddress(market)
	if err != nil {
		return "", err
	}
	ownerRaw, err := ParseAddress(owner)
	if err != nil {
		return "", err
	}
	programRaw, err := ParseAddress(programID)
	if err != nil {
		return "", err
	}

	seeds := [][]byte{[]byte("open-orders"), marketRaw, ownerRaw}

	for bump := byte(255); bump > 0; bump-- {
		data := make([]byte, 0, 32*3+len("open-orders")+1+len("ProgramDerivedAddress"))
		for _, seed := range seeds {
			data = append(data, seed...)
		}
		data = append(data, bump)
		data = append(data, programRaw...)
		data = append(data, []byte("ProgramDerivedAddress")...)

		hash := sha256.Sum256(data)
		if !IsOnCurve(hash[:]) {
			return base58.Encode(hash[:]), nil
		}
	}

	return "", fmt.Errorf("derive open orders for %s/%s: no off-curve bump found", market, owner)
}
