package nats

import (
	"time"

	"github.com/brojonat/ethgate/service/db"
	"github.com/brojonat/ethgate/service/engine"
)

// TransactionEvent represents a transaction event published to NATS.
// This is published to the subject "txns.{address}" in JetStream.
type TransactionEvent struct {
	// Transaction identifiers
	TxID        string `json:"txid"`
	BlockHeight int64  `json:"block_height"`

	// Address information
	Network string   `json:"network"`
	Address string   `json:"address"` // watched address
	From    string   `json:"from"`
	To      []string `json:"to"`

	// Transaction details
	Value string `json:"value,omitempty"`
	Data  string `json:"data,omitempty"`

	// Timing information
	BlockTime *time.Time `json:"block_time,omitempty"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// BlockEvent is published to "blocks.{network}" on every block change.
type BlockEvent struct {
	Network     string    `json:"network"`
	Height      uint64    `json:"height"`
	Hash        string    `json:"hash,omitempty"`
	ParentHash  string    `json:"parent_hash,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// FromDBTransaction converts a stored transaction to a TransactionEvent for publishing.
func FromDBTransaction(txn *db.Transaction) *TransactionEvent {
	return &TransactionEvent{
		TxID:        txn.TxID,
		BlockHeight: txn.BlockHeight,
		Network:     txn.Network,
		Address:     txn.Address,
		From:        txn.From,
		To:          txn.To,
		Value:       txn.Value,
		Data:        txn.Data,
		BlockTime:   txn.BlockTime,
		PublishedAt: time.Now().UTC(),
	}
}

// FromBlock converts an engine block event for publishing.
func FromBlock(network string, b engine.Block) *BlockEvent {
	return &BlockEvent{
		Network:     network,
		Height:      b.Height,
		Hash:        b.Hash,
		ParentHash:  b.ParentHash,
		PublishedAt: time.Now().UTC(),
	}
}

// TransactionSubject is the subject events for address are published on.
func TransactionSubject(address string) string {
	return "txns." + address
}

// BlockSubject is the subject block events for network are published on.
func BlockSubject(network string) string {
	return "blocks." + network
}
