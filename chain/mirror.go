package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"rentflow/crypto"
	"rentflow/lease"
	"rentflow/lease/signature"
)

// ErrRejectedOnChain is returned when the contract does not accept a
// signature that passed off-chain verification.
var ErrRejectedOnChain = errors.New("chain: signature rejected by contract")

// Backend is the subset of the Ethereum RPC the mirror needs. *ethclient.Client
// satisfies it.
type Backend interface {
	ethereum.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// LeaseSource loads leases and records the mirror transaction.
type LeaseSource interface {
	Get(ctx context.Context, leaseID string) (*lease.Lease, error)
	MessageHash(ctx context.Context, leaseID string, role signature.Role) (common.Hash, error)
	AttachChainTx(ctx context.Context, leaseID, txHash string) error
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, endpoint)
}

// Mirror submits fully signed leases to the verifier contract.
type Mirror struct {
	backend  Backend
	verifier *Verifier
	contract common.Address
	key      *crypto.PrivateKey
	chainID  *big.Int
	source   LeaseSource
	logger   *slog.Logger
}

// MirrorConfig wires a Mirror.
type MirrorConfig struct {
	Backend  Backend
	Contract crypto.Address
	Key      *crypto.PrivateKey
	ChainID  *big.Int
	Source   LeaseSource
	Logger   *slog.Logger
}

// NewMirror validates cfg.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	verifier, err := NewVerifier(cfg.Backend, cfg.Contract)
	if err != nil {
		return nil, err
	}
	if cfg.Key == nil || cfg.Key.PrivateKey == nil {
		return nil, fmt.Errorf("chain: transactor key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("chain: lease source required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		backend:  cfg.Backend,
		verifier: verifier,
		contract: cfg.Contract.Common(),
		key:      cfg.Key,
		chainID:  new(big.Int).Set(cfg.ChainID),
		source:   cfg.Source,
		logger:   logger.With("component", "chain-mirror"),
	}, nil
}

// Verifier exposes the read-only contract binding.
func (m *Mirror) Verifier() *Verifier {
	return m.verifier
}

type mirroredSignature struct {
	hash common.Hash
	sig  []byte
	addr crypto.Address
}

// Record re-checks both signatures with the contract and sends a recordLease
// transaction. A lease that already carries a chain transaction is returned
// unchanged.
func (m *Mirror) Record(ctx context.Context, leaseID string) (string, error) {
	record, err := m.source.Get(ctx, leaseID)
	if err != nil {
		return "", err
	}
	if record.BlockchainTxHash != nil {
		return *record.BlockchainTxHash, nil
	}
	if record.LandlordSignature == nil || record.TenantSignature == nil {
		return "", fmt.Errorf("chain: lease %s is not fully signed", leaseID)
	}
	parties := make([]mirroredSignature, 0, 2)
	for _, role := range []signature.Role{signature.RoleLandlord, signature.RoleTenant} {
		entry, err := m.load(ctx, record, role)
		if err != nil {
			return "", err
		}
		ok, err := m.verifier.VerifySignature(ctx, entry.hash, entry.sig, entry.addr)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s signature on lease %s", ErrRejectedOnChain, role, leaseID)
		}
		parties = append(parties, entry)
	}

	input, err := verifierABI.Pack("recordLease",
		[32]byte(LeaseKey(leaseID)),
		[32]byte(parties[0].hash), parties[0].sig, parties[0].addr.Common(),
		[32]byte(parties[1].hash), parties[1].sig, parties[1].addr.Common(),
	)
	if err != nil {
		return "", fmt.Errorf("chain: pack recordLease: %w", err)
	}
	txHash, err := m.transact(ctx, input)
	if err != nil {
		return "", err
	}
	if err := m.source.AttachChainTx(ctx, leaseID, txHash); err != nil {
		return txHash, fmt.Errorf("chain: attach tx: %w", err)
	}
	m.logger.Info("lease mirrored on-chain", slog.String("lease_id", leaseID), slog.String("tx_hash", txHash))
	return txHash, nil
}

func (m *Mirror) load(ctx context.Context, record *lease.Lease, role signature.Role) (mirroredSignature, error) {
	hash, err := m.source.MessageHash(ctx, record.ID, role)
	if err != nil {
		return mirroredSignature{}, err
	}
	raw := record.LandlordSignature
	if role == signature.RoleTenant {
		raw = record.TenantSignature
	}
	sig, err := signature.Decode(*raw)
	if err != nil {
		return mirroredSignature{}, err
	}
	addr, err := record.PartyAddress(role)
	if err != nil {
		return mirroredSignature{}, err
	}
	return mirroredSignature{hash: hash, sig: sig, addr: addr}, nil
}

func (m *Mirror) transact(ctx context.Context, input []byte) (string, error) {
	from := m.key.PubKey().Address().Common()
	nonce, err := m.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err := m.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: gas price: %w", err)
	}
	contract := m.contract
	gas, err := m.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: input})
	if err != nil {
		return "", fmt.Errorf("chain: estimate gas: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &contract,
		Data:     input,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(m.chainID), m.key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("chain: sign tx: %w", err)
	}
	if err := m.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: send tx: %w", err)
	}
	return signed.Hash().Hex(), nil
}
