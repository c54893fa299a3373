package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"time"

	"rentflow/lease"
)

var reconcileHeader = []string{"obligation_id", "lease_id", "kind", "transfer_id", "outcome", "tx_hash", "generated_at"}

// ReconcileCSV builds a CSV export of reconciliation entries and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func ReconcileCSV(entries []lease.ReconcileEntry, generatedAt time.Time) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(reconcileHeader); err != nil {
		return nil, "", err
	}
	stamp := generatedAt.UTC().Format(time.RFC3339Nano)
	for _, entry := range entries {
		record := []string{
			entry.ObligationID,
			entry.LeaseID,
			string(entry.Kind),
			entry.TransferID,
			entry.Outcome,
			entry.TxHash,
			stamp,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
