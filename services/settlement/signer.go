package settlement

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rentflow/crypto"
	"rentflow/lease/signature"
)

// ErrUnknownWallet is returned when a signer has no key for the requested wallet.
var ErrUnknownWallet = errors.New("settlement: unknown wallet")

// MessageSigner produces personal-sign signatures for custodial wallets. The
// wallet id never leaves this boundary; callers only see the signature.
type MessageSigner interface {
	SignMessage(ctx context.Context, walletID string, messageHash common.Hash) ([]byte, error)
}

// SignerConfig captures the custodial signing endpoint. The TLS fields are
// optional; when ClientCert is set the client authenticates with mTLS.
type SignerConfig struct {
	BaseURL    string
	APIKey     string
	CACertPath string
	ClientCert string
	ClientKey  string
	Timeout    time.Duration
}

// HTTPMessageSigner asks the processor to sign with a custodial wallet key.
type HTTPMessageSigner struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type signMessageRequest struct {
	MessageHash string `json:"message_hash"`
	Scheme      string `json:"scheme"`
}

type signMessageResponse struct {
	Signature string `json:"signature"`
}

// NewHTTPMessageSigner builds a signer client using the supplied configuration.
func NewHTTPMessageSigner(cfg SignerConfig) (*HTTPMessageSigner, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("settlement: signer base url required")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(cfg.ClientCert) != "" {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPMessageSigner{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func buildTLSConfig(cfg SignerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("settlement: load client certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if strings.TrimSpace(cfg.CACertPath) != "" {
		pemBytes, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("settlement: read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("settlement: failed to append ca certificate %s", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// SignMessage requests a personal-sign signature over messageHash.
func (s *HTTPMessageSigner) SignMessage(ctx context.Context, walletID string, messageHash common.Hash) ([]byte, error) {
	if s == nil || s.httpClient == nil {
		return nil, fmt.Errorf("settlement: signer not configured")
	}
	if strings.TrimSpace(walletID) == "" {
		return nil, ErrUnknownWallet
	}
	buf, err := json.Marshal(signMessageRequest{MessageHash: messageHash.Hex(), Scheme: "personal_sign"})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/wallets/%s/sign-message", s.baseURL, url.PathEscape(walletID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownWallet
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: sign status=%d", ErrProcessorUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("settlement: sign failed: status=%d", resp.StatusCode)
	}
	var decoded signMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("settlement: decode sign response: %w", err)
	}
	return signature.Decode(decoded.Signature)
}

// KeystoreSigner signs with operational keys held locally, keyed by wallet id.
// It backs development deployments and the managed-landlord account.
type KeystoreSigner struct {
	mu   sync.RWMutex
	keys map[string]*crypto.PrivateKey
}

func NewKeystoreSigner() *KeystoreSigner {
	return &KeystoreSigner{keys: make(map[string]*crypto.PrivateKey)}
}

// Add registers key under walletID and returns its address.
func (s *KeystoreSigner) Add(walletID string, key *crypto.PrivateKey) crypto.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[walletID] = key
	return key.PubKey().Address()
}

// Load decrypts a v3 keystore file and registers it under walletID.
func (s *KeystoreSigner) Load(walletID, path, passphrase string) (crypto.Address, error) {
	key, err := crypto.LoadFromKeystore(path, passphrase)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("settlement: load keystore for %s: %w", walletID, err)
	}
	return s.Add(walletID, key), nil
}

// Address returns the address registered for walletID.
func (s *KeystoreSigner) Address(walletID string) (crypto.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[walletID]
	if !ok {
		return crypto.Address{}, false
	}
	return key.PubKey().Address(), true
}

func (s *KeystoreSigner) SignMessage(_ context.Context, walletID string, messageHash common.Hash) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[walletID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownWallet
	}
	return signature.Sign(messageHash, key)
}

var (
	_ MessageSigner = (*HTTPMessageSigner)(nil)
	_ MessageSigner = (*KeystoreSigner)(nil)
)
