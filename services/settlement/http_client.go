package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rentflow/observability/logging"
)

// Config captures the processor endpoint and polling cadence.
type Config struct {
	BaseURL     string
	APIKey      string
	Asset       string
	Timeout     time.Duration
	PollInitial time.Duration
	PollMax     time.Duration
}

// HTTPClient implements Client against the processor REST API.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	asset       string
	http        *http.Client
	pollInitial time.Duration
	pollMax     time.Duration
	logger      *slog.Logger
}

type transferPayload struct {
	SourceWalletID string `json:"source_wallet_id"`
	Destination    string `json:"destination"`
	Amount         string `json:"amount"`
	Asset          string `json:"asset"`
	Reference      string `json:"reference,omitempty"`
}

type transferResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	TxHash    string `json:"tx_hash"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// NewHTTPClient constructs a processor client with defaults for unset fields.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("settlement: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	asset := strings.TrimSpace(cfg.Asset)
	if asset == "" {
		asset = "USDC"
	}
	initial := cfg.PollInitial
	if initial <= 0 {
		initial = time.Second
	}
	maxInterval := cfg.PollMax
	if maxInterval < initial {
		maxInterval = 8 * initial
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		asset:       asset,
		http:        &http.Client{Timeout: timeout},
		pollInitial: initial,
		pollMax:     maxInterval,
		logger:      slog.Default().With("component", "settlement"),
	}, nil
}

// SubmitTransfer posts a transfer. Repeating a call with the same idempotency
// key returns the original transfer rather than creating a second one.
func (c *HTTPClient) SubmitTransfer(ctx context.Context, req TransferRequest) (TransferHandle, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return TransferHandle{}, fmt.Errorf("settlement: idempotency key required")
	}
	if strings.TrimSpace(req.SourceWalletID) == "" {
		return TransferHandle{}, fmt.Errorf("settlement: source wallet required")
	}
	if !req.Amount.IsPositive() {
		return TransferHandle{}, fmt.Errorf("settlement: amount must be positive")
	}
	payload := transferPayload{
		SourceWalletID: req.SourceWalletID,
		Destination:    req.Destination.String(),
		Amount:         req.Amount.StringFixed(6),
		Asset:          c.asset,
		Reference:      req.Reference,
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/transfers", payload, req.IdempotencyKey)
	if err != nil {
		return TransferHandle{}, err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return TransferHandle{}, fmt.Errorf("%w: response missing transfer id", ErrProcessorUnavailable)
	}
	c.logger.Info("transfer submitted",
		slog.String("transfer_id", resp.ID),
		slog.String("status", resp.Status),
		logging.MaskField("wallet_id", req.SourceWalletID))
	return TransferHandle{ID: resp.ID, Status: resp.Status}, nil
}

// GetTransfer fetches the current processor view of a transfer. The boolean
// reports whether the status is terminal.
func (c *HTTPClient) GetTransfer(ctx context.Context, id string) (TerminalStatus, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(id), nil, "")
	if err != nil {
		return TerminalStatus{}, false, err
	}
	status, terminal := resp.terminal()
	return status, terminal, nil
}

// PollStatus polls with exponential backoff until a terminal status is seen or
// budget elapses. Transient fetch errors are retried within the budget.
func (c *HTTPClient) PollStatus(ctx context.Context, handle TransferHandle, budget time.Duration) (TerminalStatus, error) {
	return Poll(ctx, budget, c.pollInitial, c.pollMax, func(ctx context.Context) (TerminalStatus, bool, error) {
		status, terminal, err := c.GetTransfer(ctx, handle.ID)
		if err != nil && IsTransient(err) {
			c.logger.Warn("poll transfer failed", slog.String("transfer_id", handle.ID), slog.Any("error", err))
			return TerminalStatus{}, false, nil
		}
		return status, terminal, err
	})
}

// Poll runs fetch until it reports a terminal status, returns an error, or the
// budget is exhausted. The delay starts at initial and doubles up to maxInterval.
func Poll(ctx context.Context, budget, initial, maxInterval time.Duration, fetch func(context.Context) (TerminalStatus, bool, error)) (TerminalStatus, error) {
	if budget <= 0 {
		budget = 15 * time.Second
	}
	deadline := time.Now().Add(budget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	delay := initial
	for {
		status, terminal, err := fetch(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && time.Now().After(deadline) {
				return TerminalStatus{}, ErrTimeout
			}
			return TerminalStatus{}, err
		}
		if terminal {
			return status, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return TerminalStatus{}, ErrTimeout
		}
		wait := delay
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if time.Now().Before(deadline) {
				return TerminalStatus{}, ctx.Err()
			}
			return TerminalStatus{}, ErrTimeout
		case <-timer.C:
		}
		delay *= 2
		if delay > maxInterval {
			delay = maxInterval
		}
	}
}

func (r transferResponse) terminal() (TerminalStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "completed", "confirmed", "finished":
		txHash := strings.TrimSpace(r.TxHash)
		if txHash == "" {
			// Settled on the processor ledger but not yet broadcast; keep polling.
			return TerminalStatus{}, false
		}
		return TerminalStatus{Completed: true, TxHash: txHash}, true
	case "failed", "rejected":
		return TerminalStatus{Reason: r.reason(), Err: classifyCode(r.ErrorCode)}, true
	default:
		return TerminalStatus{}, false
	}
}

func (r transferResponse) reason() string {
	if msg := strings.TrimSpace(r.Message); msg != "" {
		return msg
	}
	if code := strings.TrimSpace(r.ErrorCode); code != "" {
		return code
	}
	return "unspecified"
}

func classifyCode(code string) error {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "insufficient_funds":
		return ErrInsufficientFunds
	case "destination_invalid", "invalid_destination":
		return ErrDestinationInvalid
	default:
		return ErrRejected
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any, idempotencyKey string) (*transferResponse, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()

	var decoded transferResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded)
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s %s status=%d", ErrProcessorUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		if decodeErr == nil && decoded.ErrorCode != "" {
			return nil, fmt.Errorf("%w: %s", classifyCode(decoded.ErrorCode), decoded.reason())
		}
		return nil, fmt.Errorf("%w: %s %s status=%d", ErrRejected, method, path, resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProcessorUnavailable, decodeErr)
	}
	return &decoded, nil
}

var _ Client = (*HTTPClient)(nil)
