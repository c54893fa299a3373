// Package chain mirrors lease signatures to the LeaseSignatureVerifier
// contract, which re-checks them with ecrecover.
package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifierABI is the interface of contracts/LeaseSignatureVerifier.sol.
const VerifierABI = `[
  {"type":"function","name":"verifySignature","stateMutability":"pure",
   "inputs":[{"name":"messageHash","type":"bytes32"},{"name":"signature","type":"bytes"},{"name":"expected","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"recordLease","stateMutability":"nonpayable",
   "inputs":[{"name":"leaseKey","type":"bytes32"},
             {"name":"landlordHash","type":"bytes32"},{"name":"landlordSignature","type":"bytes"},{"name":"landlord","type":"address"},
             {"name":"tenantHash","type":"bytes32"},{"name":"tenantSignature","type":"bytes"},{"name":"tenant","type":"address"}],
   "outputs":[]},
  {"type":"event","name":"LeaseRecorded","anonymous":false,
   "inputs":[{"name":"leaseKey","type":"bytes32","indexed":true},{"name":"landlord","type":"address","indexed":false},{"name":"tenant","type":"address","indexed":false}]}
]`

var verifierABI = mustParseABI(VerifierABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// LeaseKey is the bytes32 key the contract stores a lease under.
func LeaseKey(leaseID string) common.Hash {
	return crypto.Keccak256Hash([]byte(leaseID))
}
