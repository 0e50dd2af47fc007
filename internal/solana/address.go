package solana

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// ErrInvalidAddress is returned for strings that are not 32-byte base58 keys.
var ErrInvalidAddress = errors.New("invalid address")

const publicKeyLength = 32

// ValidateAddress checks that s is a base58-encoded 32-byte public key.
func ValidateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != publicKeyLength {
		return fmt.Errorf("%w: decoded to %d bytes", ErrInvalidAddress, len(raw))
	}
	return nil
}

// IsAddress reports whether s is a valid public key.
func IsAddress(s string) bool {
	return ValidateAddress(s) == nil
}
