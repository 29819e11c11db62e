package models

// FieldAuthCode is the transaction field carrying the card-network authorization code.
const FieldAuthCode = "authCode"

// FieldDupCheck is the field the dedup result is attached under.
const FieldDupCheck = "dupcheck"

// Transaction is one inbound card-transaction attempt as delivered by the pipeline.
// Fields are opaque to the gate apart from the identity fields.
type Transaction map[string]any

// DupCheck is the dedup result as attached to a forwarded transaction.
// Timestamps are Unix seconds.
type DupCheck struct {
	IsDuplicate bool  `json:"isDuplicate"`
	CheckedAt   int64 `json:"checkedAt"`
	WindowStart int64 `json:"windowStart"`
	WindowEnd   int64 `json:"windowEnd"`
	// Degraded is set when the store was unavailable and the record was admitted by policy.
	Degraded bool `json:"degraded,omitempty"`
}

// WithDupCheck returns a shallow copy of tx with the dedup result attached.
func (tx Transaction) WithDupCheck(dc DupCheck) Transaction {
	out := make(Transaction, len(tx)+1)
	for k, v := range tx {
		out[k] = v
	}
	out[FieldDupCheck] = dc
	return out
}

// ClaimRecordResponse is returned by GET /dupcheck/:key.
type ClaimRecordResponse struct {
	Key       string `json:"key"`
	ArrivedAt int64  `json:"arrivedAt"`
	// Live reports whether the claim still blocks new claims at the server's current time.
	Live bool `json:"live"`
}
