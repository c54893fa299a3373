package exports

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rentflow/lease"
)

func TestReconcileCSV(t *testing.T) {
	entries := []lease.ReconcileEntry{{
		ObligationID: "ob-1",
		LeaseID:      "lease-1",
		Kind:         lease.KindSecurityDeposit,
		TransferID:   "tr-1",
		Outcome:      "settled",
		TxHash:       "0xabc",
	}}
	data, checksum, err := ReconcileCSV(entries, time.Unix(1700, 0))
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(data) == 0 || len(checksum) != 64 {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.HasPrefix(output, "obligation_id,lease_id,kind,transfer_id,outcome,tx_hash,generated_at\n") {
		t.Fatalf("missing header: %s", output)
	}
	if !strings.Contains(output, "ob-1,lease-1,SECURITY_DEPOSIT,tr-1,settled,0xabc,") {
		t.Fatalf("missing row: %s", output)
	}
}

func TestObligationsJSONL(t *testing.T) {
	hash := "0xfeed"
	obligations := []lease.PaymentObligation{{
		ID:              "ob-2",
		LeaseID:         "lease-2",
		Kind:            lease.KindFirstMonthRent,
		Amount:          decimal.RequireFromString("1850.50"),
		Status:          lease.ObligationCompleted,
		Attempt:         1,
		TransactionHash: &hash,
	}}
	data, checksum, err := ObligationsJSONL(obligations)
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if checksum == "" {
		t.Fatalf("expected checksum")
	}
	output := string(data)
	if !strings.Contains(output, `"amount":"1850.5"`) {
		t.Fatalf("unexpected amount: %s", output)
	}
	if !strings.Contains(output, `"status":"COMPLETED"`) || !strings.Contains(output, `"tx_hash":"0xfeed"`) {
		t.Fatalf("missing settlement fields: %s", output)
	}
}
