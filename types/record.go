package types

import "time"

// TxStatus is the lifecycle state of a relayed transaction record.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
	TxStatusDropped   TxStatus = "dropped"
)

// Terminal reports whether the status admits no further transitions.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxStatusConfirmed, TxStatusFailed, TxStatusDropped:
		return true
	}
	return false
}

// TxRecord is the durable record of a relayed transaction. It is created in
// pending state at broadcast time and reconciled by the confirmation tracker.
type TxRecord struct {
	Hash    HexBytes       `json:"txHash" cbor:"1,keyasint"`
	From    HexBytes       `json:"from" cbor:"2,keyasint"`
	To      HexBytes       `json:"to" cbor:"3,keyasint"`
	Network string         `json:"network" cbor:"4,keyasint"`
	Value   *BigInt        `json:"value" cbor:"5,keyasint"`
	Token   *TokenTransfer `json:"token,omitempty" cbor:"6,keyasint,omitempty"`

	Status   TxStatus `json:"status" cbor:"7,keyasint"`
	GasLimit uint64   `json:"gasLimit" cbor:"8,keyasint"`
	GasPrice *BigInt  `json:"gasPrice" cbor:"9,keyasint"`

	// Receipt fields, zero until confirmation.
	GasUsed     uint64 `json:"gasUsed,omitempty" cbor:"10,keyasint,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty" cbor:"11,keyasint,omitempty"`

	Relayer     HexBytes  `json:"relayer" cbor:"12,keyasint"`
	Nonce       uint64    `json:"nonce" cbor:"13,keyasint"`
	SubmittedAt time.Time `json:"submittedAt" cbor:"14,keyasint"`
	UpdatedAt   time.Time `json:"updatedAt" cbor:"15,keyasint"`

	// StuckSince is set while a pending record has outlived the grace
	// window without the chain advancing past its nonce.
	StuckSince *time.Time `json:"stuckSince,omitempty" cbor:"16,keyasint,omitempty"`
}
