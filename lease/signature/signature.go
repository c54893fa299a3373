// Package signature builds the canonical lease message hash and verifies the
// 65-byte secp256k1 signatures wallets produce over it. The same scheme is
// mirrored by the LeaseSignatureVerifier contract.
package signature

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"rentflow/crypto"
)

const (
	// Version identifies the encoding produced by MessageHash. Any change to the
	// field layout must introduce a new version and tag.
	Version = 1
	// SignatureLength is r || s || v.
	SignatureLength = 65
	// AmountDecimals is the number of fractional digits carried by the stablecoin.
	AmountDecimals = 6

	versionTag = "rentflow.lease.v1"
)

var (
	ErrMalformedSignature = errors.New("signature: malformed signature")
	ErrAddressMismatch    = errors.New("signature: recovered address does not match claimed signer")
	ErrInvalidTerms       = errors.New("signature: invalid lease terms")
)

// Role is the party a signature is produced for. The numeric value is part of
// the signed payload.
type Role uint8

const (
	RoleLandlord Role = 1
	RoleTenant   Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleLandlord:
		return "landlord"
	case RoleTenant:
		return "tenant"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) Valid() bool {
	return r == RoleLandlord || r == RoleTenant
}

// ParseRole accepts "landlord" or "tenant" in any case.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "landlord":
		return RoleLandlord, nil
	case "tenant":
		return RoleTenant, nil
	default:
		return 0, fmt.Errorf("signature: unknown role %q", raw)
	}
}

// Terms are the lease fields covered by a signature.
type Terms struct {
	LeaseID         string
	Landlord        crypto.Address
	Tenant          crypto.Address
	DocumentHash    common.Hash
	MonthlyRent     decimal.Decimal
	SecurityDeposit decimal.Decimal
}

var (
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
	uint8Type, _   = abi.NewType("uint8", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)

	messageArguments = abi.Arguments{
		{Name: "versionTag", Type: bytes32Type},
		{Name: "leaseId", Type: bytes32Type},
		{Name: "role", Type: uint8Type},
		{Name: "landlord", Type: addressType},
		{Name: "tenant", Type: addressType},
		{Name: "documentHash", Type: bytes32Type},
		{Name: "monthlyRent", Type: uint256Type},
		{Name: "securityDeposit", Type: uint256Type},
	}

	versionTagHash = ethcrypto.Keccak256Hash([]byte(versionTag))
)

// MessageHash returns keccak256(abi.encode(versionTag, keccak256(leaseId), role,
// landlord, tenant, documentHash, rent, deposit)) with amounts in base units.
func MessageHash(terms Terms, role Role) (common.Hash, error) {
	if !role.Valid() {
		return common.Hash{}, fmt.Errorf("%w: role %d", ErrInvalidTerms, uint8(role))
	}
	if strings.TrimSpace(terms.LeaseID) == "" {
		return common.Hash{}, fmt.Errorf("%w: lease id required", ErrInvalidTerms)
	}
	rent, err := BaseUnits(terms.MonthlyRent)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: monthly rent: %v", ErrInvalidTerms, err)
	}
	deposit, err := BaseUnits(terms.SecurityDeposit)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: security deposit: %v", ErrInvalidTerms, err)
	}
	packed, err := messageArguments.Pack(
		[32]byte(versionTagHash),
		[32]byte(ethcrypto.Keccak256Hash([]byte(terms.LeaseID))),
		uint8(role),
		terms.Landlord.Common(),
		terms.Tenant.Common(),
		[32]byte(terms.DocumentHash),
		rent.ToBig(),
		deposit.ToBig(),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: encode: %v", ErrInvalidTerms, err)
	}
	return ethcrypto.Keccak256Hash(packed), nil
}

// BaseUnits converts a decimal amount into integer stablecoin units. Negative
// amounts and amounts with more than AmountDecimals fractional digits are rejected.
func BaseUnits(amount decimal.Decimal) (*uint256.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	scaled := amount.Shift(AmountDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimals", amount, AmountDecimals)
	}
	value, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %s overflows uint256", amount)
	}
	return value, nil
}

// Verify checks that signature was produced over the personal-sign digest of
// messageHash by the key controlling claimed. It accepts recovery ids encoded
// as 27/28 or 0/1 and rejects s above N/2, the same inputs verifySignature in
// LeaseSignatureVerifier.sol accepts. The returned error never includes the
// recovered address.
func Verify(messageHash common.Hash, sig []byte, claimed crypto.Address) error {
	if claimed.IsZero() {
		return ErrAddressMismatch
	}
	if len(sig) != SignatureLength {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	switch v := normalized[64]; v {
	case 27, 28:
		normalized[64] = v - 27
	case 0, 1:
	default:
		return fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, v)
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !ethcrypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return fmt.Errorf("%w: r or s out of range or s not canonical", ErrMalformedSignature)
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(messageHash.Bytes()), normalized)
	if err != nil {
		return fmt.Errorf("%w: recover public key", ErrMalformedSignature)
	}
	if ethcrypto.PubkeyToAddress(*pub) != claimed.Common() {
		return ErrAddressMismatch
	}
	return nil
}

// Sign produces a wallet-style signature (v in {27, 28}) over the personal-sign
// digest of messageHash.
func Sign(messageHash common.Hash, key *crypto.PrivateKey) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("signature: nil private key")
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(messageHash.Bytes()), key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signature: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// Decode parses a 0x-prefixed hex signature.
func Decode(raw string) ([]byte, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(sig))
	}
	return sig, nil
}

// Encode renders a signature as 0x-prefixed hex.
func Encode(sig []byte) string {
	return hexutil.Encode(sig)
}

// ParseDocumentHash decodes a 32-byte hex digest with or without the 0x prefix.
func ParseDocumentHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	decoded, err := hexutil.Decode(trimmed)
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: document hash must be 32 bytes of hex", ErrInvalidTerms)
	}
	return common.BytesToHash(decoded), nil
}
