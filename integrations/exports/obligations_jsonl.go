package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"rentflow/lease"
)

// ObligationsJSONL builds a JSON Lines snapshot of payment obligations and
// returns the payload alongside a checksum. Amounts keep their decimal string
// form.
func ObligationsJSONL(obligations []lease.PaymentObligation) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, obligation := range obligations {
		payload := map[string]interface{}{
			"obligation_id":   obligation.ID,
			"lease_id":        obligation.LeaseID,
			"kind":            string(obligation.Kind),
			"amount":          obligation.Amount.String(),
			"destination":     obligation.Destination,
			"status":          string(obligation.Status),
			"attempt":         obligation.Attempt,
			"idempotency_key": obligation.IdempotencyKey,
			"tx_hash":         deref(obligation.TransactionHash),
			"transfer_id":     deref(obligation.TransferID),
			"updated_at":      obligation.UpdatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
