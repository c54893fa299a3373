package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidAddress is returned when a string is not a 0x-prefixed 20-byte hex address.
var ErrInvalidAddress = errors.New("crypto: invalid address")

// Address is a 20-byte EVM account address. The zero value is the zero address.
type Address struct {
	inner common.Address
}

// NewAddress wraps raw address bytes.
func NewAddress(b []byte) Address {
	if len(b) != common.AddressLength {
		panic("address must be 20 bytes long")
	}
	return Address{inner: common.BytesToAddress(b)}
}

// AddressFromCommon converts a go-ethereum address.
func AddressFromCommon(addr common.Address) Address {
	return Address{inner: addr}
}

// ParseAddress decodes a 0x-prefixed hex address. Mixed-case input must carry a
// valid EIP-55 checksum; all-lower and all-upper input is accepted as-is.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) || !strings.HasPrefix(strings.ToLower(trimmed), "0x") {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	addr := common.HexToAddress(trimmed)
	body := trimmed[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex() != trimmed {
		return Address{}, fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, raw)
	}
	return Address{inner: addr}, nil
}

// String returns the EIP-55 checksummed form.
func (a Address) String() string {
	return a.inner.Hex()
}

func (a Address) Bytes() []byte {
	return a.inner.Bytes()
}

// Common returns the go-ethereum representation used by ABI encoding.
func (a Address) Common() common.Address {
	return a.inner
}

func (a Address) IsZero() bool {
	return a.inner == (common.Address{})
}

func (a Address) Equal(other Address) bool {
	return a.inner == other.inner
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	return Address{inner: crypto.PubkeyToAddress(*k.PublicKey)}
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex-encoded scalar with or without the 0x prefix.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
