package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"rentflow/crypto"
)

// Verifier calls verifySignature on a deployed contract.
type Verifier struct {
	caller   ethereum.ContractCaller
	contract common.Address
}

// NewVerifier binds a verifier to the contract at address.
func NewVerifier(caller ethereum.ContractCaller, address crypto.Address) (*Verifier, error) {
	if caller == nil {
		return nil, fmt.Errorf("chain: contract caller required")
	}
	if address.IsZero() {
		return nil, fmt.Errorf("chain: contract address required")
	}
	return &Verifier{caller: caller, contract: address.Common()}, nil
}

// VerifySignature reports whether the contract recovers expected from
// signature over the personal-sign digest of messageHash.
func (v *Verifier) VerifySignature(ctx context.Context, messageHash common.Hash, signature []byte, expected crypto.Address) (bool, error) {
	input, err := verifierABI.Pack("verifySignature", [32]byte(messageHash), signature, expected.Common())
	if err != nil {
		return false, fmt.Errorf("chain: pack verifySignature: %w", err)
	}
	contract := v.contract
	output, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return false, fmt.Errorf("chain: call verifySignature: %w", err)
	}
	values, err := verifierABI.Unpack("verifySignature", output)
	if err != nil {
		return false, fmt.Errorf("chain: unpack verifySignature: %w", err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("chain: unexpected verifySignature output")
	}
	ok, isBool := values[0].(bool)
	if !isBool {
		return false, fmt.Errorf("chain: unexpected verifySignature output type %T", values[0])
	}
	return ok, nil
}
