package model

import "time"

// TxDirection classifies an on-chain record relative to the wallet.
type TxDirection string

const (
	DirectionSend    TxDirection = "send"
	DirectionReceive TxDirection = "receive"
	DirectionDeposit TxDirection = "deposit"
	DirectionSell    TxDirection = "sell"
)

// TxRecord is an observed on-chain token movement. Records are never mutated.
type TxRecord struct {
	ID          string      `json:"id"`
	Direction   TxDirection `json:"direction"`
	Amount      string      `json:"amount"`
	From        string      `json:"from,omitempty"`
	To          string      `json:"to,omitempty"`
	BlockNumber uint64      `json:"blockNumber"`
	LogIndex    uint        `json:"logIndex"`
	Status      string      `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Key is the dedup key: hash plus direction.
func (r TxRecord) Key() string {
	return r.ID + "|" + string(r.Direction)
}
