package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"rentflow/crypto"
	"rentflow/lease/signature"
)

func TestKeystoreSignerProducesVerifiableSignature(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "landlord.json")
	require.NoError(t, crypto.SaveToKeystoreLight(path, key, "pw"))

	signer := NewKeystoreSigner()
	addr, err := signer.Load("wal_landlord", path, "pw")
	require.NoError(t, err)
	require.True(t, addr.Equal(key.PubKey().Address()))

	hash := ethcrypto.Keccak256Hash([]byte("lease"))
	sig, err := signer.SignMessage(context.Background(), "wal_landlord", hash)
	require.NoError(t, err)
	require.NoError(t, signature.Verify(hash, sig, addr))

	_, err = signer.SignMessage(context.Background(), "wal_other", hash)
	require.ErrorIs(t, err, ErrUnknownWallet)
}

func TestHTTPMessageSigner(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	hash := ethcrypto.Keccak256Hash([]byte("lease"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/wallets/wal_1/sign-message" {
			http.NotFound(w, r)
			return
		}
		var req signMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.MessageHash != hash.Hex() {
			t.Errorf("unexpected hash %s", req.MessageHash)
		}
		sig, err := signature.Sign(hash, key)
		if err != nil {
			t.Errorf("sign: %v", err)
		}
		_ = json.NewEncoder(w).Encode(signMessageResponse{Signature: signature.Encode(sig)})
	}))
	defer srv.Close()

	signer, err := NewHTTPMessageSigner(SignerConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	sig, err := signer.SignMessage(context.Background(), "wal_1", hash)
	require.NoError(t, err)
	require.NoError(t, signature.Verify(hash, sig, key.PubKey().Address()))

	_, err = signer.SignMessage(context.Background(), "wal_missing", hash)
	require.ErrorIs(t, err, ErrUnknownWallet)
}
