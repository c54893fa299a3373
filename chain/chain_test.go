package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rentflow/crypto"
	"rentflow/lease"
	"rentflow/lease/signature"
)

// contractVerifySignature is a line-by-line Go rendering of
// LeaseSignatureVerifier.verifySignature, including the ecrecover precompile's
// own input checks.
func contractVerifySignature(messageHash [32]byte, sig []byte, expected common.Address) bool {
	if len(sig) != 65 || expected == (common.Address{}) {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return false
	}
	if s.Cmp(contractHalfN) > 0 {
		return false
	}
	digest := ethcrypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), messageHash[:])
	return ecrecover(digest, v, r, s) == expected
}

var contractHalfN, _ = new(big.Int).SetString("7FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF5D576E7357A4501DDFE92F46681B20A0", 16)

// ecrecover returns the zero address for any input the precompile rejects.
func ecrecover(digest []byte, v uint8, r, s *big.Int) common.Address {
	if !ethcrypto.ValidateSignatureValues(v-27, r, s, false) {
		return common.Address{}
	}
	sig := make([]byte, 65)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:64])
	sig[64] = v - 27
	pub, err := ethcrypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}
	}
	return common.BytesToAddress(ethcrypto.Keccak256(pub[1:])[12:])
}

// fakeBackend answers verifySignature with contractVerifySignature and records
// sent transactions.
type fakeBackend struct {
	mu    sync.Mutex
	calls int
	sent  []*types.Transaction
	nonce uint64
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	method, err := verifierABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != "verifySignature" {
		return nil, errors.New("unexpected call " + method.Name)
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	ok := contractVerifySignature(args[0].([32]byte), args[1].([]byte), args[2].(common.Address))
	return method.Outputs.Pack(ok)
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 210_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

type fakeSource struct {
	record   *lease.Lease
	attached string
}

func (s *fakeSource) Get(context.Context, string) (*lease.Lease, error) {
	copied := *s.record
	return &copied, nil
}

func (s *fakeSource) MessageHash(_ context.Context, _ string, role signature.Role) (common.Hash, error) {
	terms, err := s.record.Terms()
	if err != nil {
		return common.Hash{}, err
	}
	return signature.MessageHash(terms, role)
}

func (s *fakeSource) AttachChainTx(_ context.Context, _ string, txHash string) error {
	s.attached = txHash
	s.record.BlockchainTxHash = &txHash
	return nil
}

type parties struct {
	landlord *crypto.PrivateKey
	tenant   *crypto.PrivateKey
	source   *fakeSource
}

func signedLease(t *testing.T) parties {
	t.Helper()
	landlord, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	tenant, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	source := &fakeSource{record: &lease.Lease{
		ID:               "lease-chain-1",
		LandlordAddress:  landlord.PubKey().Address().String(),
		TenantAddress:    tenant.PubKey().Address().String(),
		MonthlyRent:      decimal.RequireFromString("1200"),
		SecurityDeposit:  decimal.RequireFromString("2400"),
		DocumentHash:     ethcrypto.Keccak256Hash([]byte("doc")).Hex(),
		SignatureVersion: signature.Version,
		Status:           lease.StatusFullySigned,
	}}
	for role, key := range map[signature.Role]*crypto.PrivateKey{signature.RoleLandlord: landlord, signature.RoleTenant: tenant} {
		hash, err := source.MessageHash(context.Background(), source.record.ID, role)
		require.NoError(t, err)
		sig, err := signature.Sign(hash, key)
		require.NoError(t, err)
		encoded := signature.Encode(sig)
		if role == signature.RoleLandlord {
			source.record.LandlordSignature = &encoded
		} else {
			source.record.TenantSignature = &encoded
		}
	}
	return parties{landlord: landlord, tenant: tenant, source: source}
}

func newTestMirror(t *testing.T, backend *fakeBackend, source LeaseSource) *Mirror {
	t.Helper()
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	contract := crypto.AddressFromCommon(common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	mirror, err := NewMirror(MirrorConfig{
		Backend:  backend,
		Contract: contract,
		Key:      operator,
		ChainID:  big.NewInt(84532),
		Source:   source,
	})
	require.NoError(t, err)
	return mirror
}

func withV(sig []byte, v byte) []byte {
	out := bytes.Clone(sig)
	out[64] = v
	return out
}

func TestVerifierParityWithOffChainCheck(t *testing.T) {
	p := signedLease(t)
	mirror := newTestMirror(t, &fakeBackend{}, p.source)
	ctx := context.Background()

	hash, err := p.source.MessageHash(ctx, p.source.record.ID, signature.RoleLandlord)
	require.NoError(t, err)
	sig, err := signature.Decode(*p.source.record.LandlordSignature)
	require.NoError(t, err)
	landlord := p.landlord.PubKey().Address()
	recovery := sig[64] - 27

	n := ethcrypto.S256().Params().N
	highS := withV(sig, 55-sig[64])
	new(big.Int).Sub(n, new(big.Int).SetBytes(sig[32:64])).FillBytes(highS[32:64])
	zeroR := bytes.Clone(sig)
	copy(zeroR[:32], make([]byte, 32))
	zeroS := bytes.Clone(sig)
	copy(zeroS[32:64], make([]byte, 32))

	cases := []struct {
		name     string
		sig      []byte
		expected crypto.Address
		valid    bool
	}{
		{"wallet v", sig, landlord, true},
		{"raw v", withV(sig, recovery), landlord, true},
		{"v=27", withV(sig, 27), landlord, recovery == 0},
		{"v=28", withV(sig, 28), landlord, recovery == 1},
		{"v=0", withV(sig, 0), landlord, recovery == 0},
		{"v=1", withV(sig, 1), landlord, recovery == 1},
		{"v=2", withV(sig, 2), landlord, false},
		{"v=29", withV(sig, 29), landlord, false},
		{"high s", highS, landlord, false},
		{"r=0", zeroR, landlord, false},
		{"s=0", zeroS, landlord, false},
		{"zero expected", sig, crypto.Address{}, false},
		{"other party", sig, p.tenant.PubKey().Address(), false},
		{"short", sig[:64], landlord, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			onChain, err := mirror.Verifier().VerifySignature(ctx, hash, tc.sig, tc.expected)
			require.NoError(t, err)
			offChain := signature.Verify(hash, tc.sig, tc.expected) == nil
			require.Equal(t, tc.valid, onChain)
			require.Equal(t, onChain, offChain)
		})
	}
}

func TestMirrorRecordSendsOneTransaction(t *testing.T) {
	p := signedLease(t)
	backend := &fakeBackend{}
	mirror := newTestMirror(t, backend, p.source)

	txHash, err := mirror.Record(context.Background(), p.source.record.ID)
	require.NoError(t, err)
	require.Equal(t, txHash, p.source.attached)
	require.Len(t, backend.sent, 1)
	require.Equal(t, 2, backend.calls)

	sent := backend.sent[0]
	method, err := verifierABI.MethodById(sent.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "recordLease", method.Name)
	args, err := method.Inputs.Unpack(sent.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, [32]byte(LeaseKey(p.source.record.ID)), args[0].([32]byte))
	require.Equal(t, p.tenant.PubKey().Address().Common(), args[6].(common.Address))

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), sent)
	require.NoError(t, err)
	require.NotEqual(t, common.Address{}, sender)

	again, err := mirror.Record(context.Background(), p.source.record.ID)
	require.NoError(t, err)
	require.Equal(t, txHash, again)
	require.Len(t, backend.sent, 1)
}

func TestMirrorRejectsTamperedSignature(t *testing.T) {
	p := signedLease(t)
	p.source.record.TenantSignature = p.source.record.LandlordSignature
	backend := &fakeBackend{}
	mirror := newTestMirror(t, backend, p.source)

	_, err := mirror.Record(context.Background(), p.source.record.ID)
	require.ErrorIs(t, err, ErrRejectedOnChain)
	require.Empty(t, backend.sent)
	require.Empty(t, p.source.attached)
}
