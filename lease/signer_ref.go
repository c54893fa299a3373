package lease

import (
	"strings"

	"rentflow/crypto"
)

// SignerRef identifies who signs or pays. Lifecycle logic only uses Address;
// the wallet id of a custodial signer is handed to the processor and nothing else.
type SignerRef struct {
	address  crypto.Address
	walletID string
}

// Custodial refers to a wallet whose key is held by the processor.
func Custodial(walletID string, address crypto.Address) SignerRef {
	return SignerRef{address: address, walletID: strings.TrimSpace(walletID)}
}

// SelfCustodied refers to an externally held wallet.
func SelfCustodied(address crypto.Address) SignerRef {
	return SignerRef{address: address}
}

func (r SignerRef) Address() crypto.Address {
	return r.address
}

// WalletID returns the custodial wallet id, if any.
func (r SignerRef) WalletID() (string, bool) {
	return r.walletID, r.walletID != ""
}

// Actor is the authenticated user performing a management action.
type Actor struct {
	UserID string
	Role   UserRole
}
