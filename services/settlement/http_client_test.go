package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rentflow/crypto"
)

type fakeProcessor struct {
	mu        sync.Mutex
	transfers map[string]*transferResponse
	byKey     map[string]string
	polls     map[string]int
	// completeAfter is the number of GETs that report "pending" before completion.
	completeAfter int
	failCode      string
	submitStatus  int
	lastHeaders   http.Header
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		transfers: make(map[string]*transferResponse),
		byKey:     make(map[string]string),
		polls:     make(map[string]int),
	}
}

func (p *fakeProcessor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeaders = r.Header.Clone()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/transfers":
		if p.submitStatus != 0 {
			w.WriteHeader(p.submitStatus)
			_ = json.NewEncoder(w).Encode(map[string]string{"error_code": p.failCode})
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if id, ok := p.byKey[key]; ok {
			_ = json.NewEncoder(w).Encode(p.transfers[id])
			return
		}
		id := "tr_" + key
		p.byKey[key] = id
		p.transfers[id] = &transferResponse{ID: id, Status: "pending"}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(p.transfers[id])
	case r.Method == http.MethodGet:
		id := r.URL.Path[len("/v1/transfers/"):]
		transfer, ok := p.transfers[id]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		p.polls[id]++
		if p.polls[id] > p.completeAfter {
			if p.failCode != "" {
				transfer.Status = "failed"
				transfer.ErrorCode = p.failCode
			} else {
				transfer.Status = "completed"
				transfer.TxHash = "0xabc"
			}
		}
		_ = json.NewEncoder(w).Encode(transfer)
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, url string) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(Config{
		BaseURL:     url,
		APIKey:      "secret",
		PollInitial: 5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func testRequest(key string) TransferRequest {
	key1, _ := crypto.GeneratePrivateKey()
	return TransferRequest{
		SourceWalletID: "wal_tenant",
		Destination:    key1.PubKey().Address(),
		Amount:         decimal.RequireFromString("1200"),
		IdempotencyKey: key,
	}
}

func TestSubmitTransferIsIdempotent(t *testing.T) {
	processor := newFakeProcessor()
	srv := httptest.NewServer(processor)
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	first, err := client.SubmitTransfer(context.Background(), testRequest("obl-1:1"))
	require.NoError(t, err)
	second, err := client.SubmitTransfer(context.Background(), testRequest("obl-1:1"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, processor.transfers, 1)
	require.Equal(t, "obl-1:1", processor.lastHeaders.Get("Idempotency-Key"))
	require.Equal(t, "secret", processor.lastHeaders.Get("x-api-key"))
}

func TestPollStatusCompletes(t *testing.T) {
	processor := newFakeProcessor()
	processor.completeAfter = 2
	srv := httptest.NewServer(processor)
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	handle, err := client.SubmitTransfer(context.Background(), testRequest("k"))
	require.NoError(t, err)
	status, err := client.PollStatus(context.Background(), handle, time.Second)
	require.NoError(t, err)
	require.True(t, status.Completed)
	require.Equal(t, "0xabc", status.TxHash)
	require.Equal(t, 3, processor.polls[handle.ID])
}

func TestPollStatusPermanentFailure(t *testing.T) {
	processor := newFakeProcessor()
	processor.failCode = "insufficient_funds"
	srv := httptest.NewServer(processor)
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	handle, err := client.SubmitTransfer(context.Background(), testRequest("k"))
	require.NoError(t, err)
	status, err := client.PollStatus(context.Background(), handle, time.Second)
	require.NoError(t, err)
	require.False(t, status.Completed)
	require.ErrorIs(t, status.Err, ErrInsufficientFunds)
	require.True(t, IsPermanent(status.Err))
}

func TestPollStatusTimesOut(t *testing.T) {
	processor := newFakeProcessor()
	processor.completeAfter = 1 << 20
	srv := httptest.NewServer(processor)
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	handle, err := client.SubmitTransfer(context.Background(), testRequest("k"))
	require.NoError(t, err)
	started := time.Now()
	_, err = client.PollStatus(context.Background(), handle, 60*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, IsTransient(err))
	require.Less(t, time.Since(started), time.Second)
}

func TestSubmitTransferClassifiesErrors(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		want      error
		permanent bool
	}{
		{http.StatusUnprocessableEntity, "insufficient_funds", ErrInsufficientFunds, true},
		{http.StatusBadRequest, "destination_invalid", ErrDestinationInvalid, true},
		{http.StatusBadRequest, "", ErrRejected, false},
		{http.StatusUnauthorized, "", ErrRejected, false},
		{http.StatusBadRequest, "amount_too_small", ErrRejected, false},
		{http.StatusBadGateway, "", ErrProcessorUnavailable, false},
		{http.StatusTooManyRequests, "", ErrProcessorUnavailable, false},
	}
	for _, tc := range cases {
		processor := newFakeProcessor()
		processor.submitStatus = tc.status
		processor.failCode = tc.code
		srv := httptest.NewServer(processor)
		client := newTestClient(t, srv.URL)
		_, err := client.SubmitTransfer(context.Background(), testRequest("k"))
		require.ErrorIs(t, err, tc.want, "status %d code %q", tc.status, tc.code)
		require.Equal(t, tc.permanent, IsPermanent(err), "status %d code %q", tc.status, tc.code)
		srv.Close()
	}
}

func TestCompletedWithoutHashKeepsPolling(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		resp := transferResponse{ID: "tr_1", Status: "completed"}
		if n >= 3 {
			resp.TxHash = "0xdef"
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	status, err := client.PollStatus(context.Background(), TransferHandle{ID: "tr_1"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "0xdef", status.TxHash)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestPollRetriesTransientFetchErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(transferResponse{ID: "tr_1", Status: "finished", TxHash: "0x1"})
	}))
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	status, err := client.PollStatus(context.Background(), TransferHandle{ID: "tr_1"}, time.Second)
	require.NoError(t, err)
	require.True(t, status.Completed)
}
