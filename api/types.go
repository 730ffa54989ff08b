package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relayforge/relay-node/log"
	"github.com/relayforge/relay-node/types"
)

// Error is an API-level error carrying the stable wire code and the HTTP
// status it renders with.
type Error struct {
	Err        error
	Code       string
	HTTPstatus int
}

func (e Error) Error() string {
	return e.Err.Error()
}

// Withf returns a copy of Error with the Sprintf-formatted string appended
// to the message.
func (e Error) Withf(format string, args ...any) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, fmt.Sprintf(format, args...)),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
	}
}

// WithErr returns a copy of Error with err.Error() appended to the message.
func (e Error) WithErr(err error) Error {
	return Error{
		Err:        fmt.Errorf("%w: %v", e.Err, err.Error()),
		Code:       e.Code,
		HTTPstatus: e.HTTPstatus,
	}
}

// Write serializes the error as the rejection envelope and sends it with
// the error's HTTP status.
func (e Error) Write(w http.ResponseWriter) {
	body, err := json.Marshal(RejectionResponse{
		OK:     false,
		Code:   e.Code,
		Reason: e.Err.Error(),
	})
	if err != nil {
		log.Warnw("failed to marshal error response", "error", err.Error())
		http.Error(w, `{"ok":false,"code":"internal","reason":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPstatus)
	if _, err := w.Write(body); err != nil {
		log.Warnw("failed to write error response", "error", err.Error())
	}
}

// RejectionResponse is the envelope of every rejected request.
type RejectionResponse struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// RelayResponse is the successful outcome of POST /relay.
type RelayResponse struct {
	OK       bool           `json:"ok"`
	TxHash   types.HexBytes `json:"txHash"`
	GasPrice *types.BigInt  `json:"gasPrice"`
	GasLimit uint64         `json:"gasLimit"`
}

// TransactionResponse is one relayed transaction record on the wire.
type TransactionResponse struct {
	Hash        types.HexBytes       `json:"hash"`
	From        types.HexBytes       `json:"from"`
	To          types.HexBytes       `json:"to"`
	Network     string               `json:"network"`
	Value       *types.BigInt        `json:"value"`
	Token       *types.TokenTransfer `json:"token,omitempty"`
	Status      types.TxStatus       `json:"status"`
	GasLimit    uint64               `json:"gasLimit"`
	GasPrice    *types.BigInt        `json:"gasPrice,omitempty"`
	GasUsed     uint64               `json:"gasUsed,omitempty"`
	BlockNumber uint64               `json:"blockNumber,omitempty"`
	Relayer     types.HexBytes       `json:"relayer"`
	Nonce       uint64               `json:"nonce"`
	SubmittedAt time.Time            `json:"submittedAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
	StuckSince  *time.Time           `json:"stuckSince,omitempty"`
}

// TransactionListResponse is a page of transaction records.
type TransactionListResponse struct {
	Transactions []*TransactionResponse `json:"transactions"`
	Offset       int                    `json:"offset"`
	Limit        int                    `json:"limit"`
}

// PolicyRuleRequest is the write payload of the policy rule endpoints.
type PolicyRuleRequest struct {
	Kind    types.RuleKind  `json:"kind"`
	Target  string          `json:"target"`
	Value   json.RawMessage `json:"value"`
	Enabled bool            `json:"enabled"`
}

// PolicyRuleResponse is one policy rule on the wire.
type PolicyRuleResponse struct {
	ID      string          `json:"id"`
	Kind    types.RuleKind  `json:"kind"`
	Target  string          `json:"target"`
	Value   json.RawMessage `json:"value"`
	Enabled bool            `json:"enabled"`
}

func transactionResponse(rec *types.TxRecord) *TransactionResponse {
	return &TransactionResponse{
		Hash:        rec.Hash,
		From:        rec.From,
		To:          rec.To,
		Network:     rec.Network,
		Value:       rec.Value,
		Token:       rec.Token,
		Status:      rec.Status,
		GasLimit:    rec.GasLimit,
		GasPrice:    rec.GasPrice,
		GasUsed:     rec.GasUsed,
		BlockNumber: rec.BlockNumber,
		Relayer:     rec.Relayer,
		Nonce:       rec.Nonce,
		SubmittedAt: rec.SubmittedAt,
		UpdatedAt:   rec.UpdatedAt,
		StuckSince:  rec.StuckSince,
	}
}

func policyRuleResponse(rule *types.PolicyRule) *PolicyRuleResponse {
	return &PolicyRuleResponse{
		ID:      rule.ID,
		Kind:    rule.Kind,
		Target:  rule.Target,
		Value:   json.RawMessage(rule.Value),
		Enabled: rule.Enabled,
	}
}
