// Package indexer finds historical transactions for an address through a
// remote explorer and merges the outgoing and incoming feeds into one
// chronological history.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Direction selects which side of a transfer the address is on.
type Direction string

const (
	DirectionFrom Direction = "from"
	DirectionTo   Direction = "to"
	// DirectionBoth labels single-pass lookups of both sides.
	DirectionBoth Direction = "both"
)

// ErrNoTransactions is the explorer's "nothing here" answer. Callers treat it
// as an empty result, not a failure.
var ErrNoTransactions = errors.New("no transactions found")

var noTransactionsPattern = regexp.MustCompile(`(?i)no transactions`)

// IsNoTransactions reports whether err means the address simply has no
// history, including remote errors that only carry the message text.
func IsNoTransactions(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNoTransactions) || noTransactionsPattern.MatchString(err.Error())
}

// Error is a failed range lookup.
type Error struct {
	Address   string
	Direction Direction
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("indexer lookup %s %s failed: %v", e.Direction, e.Address, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RawTransaction is a record in the explorer's account/txlist dialect.
// Numeric fields are decimal strings.
type RawTransaction struct {
	BlockNumber       string `json:"blockNumber"`
	TimeStamp         string `json:"timeStamp"`
	Hash              string `json:"hash"`
	Nonce             string `json:"nonce"`
	BlockHash         string `json:"blockHash"`
	TransactionIndex  string `json:"transactionIndex"`
	From              string `json:"from"`
	To                string `json:"to"`
	Value             string `json:"value"`
	Gas               string `json:"gas"`
	GasPrice          string `json:"gasPrice"`
	IsError           string `json:"isError"`
	Input             string `json:"input"`
	ContractAddress   string `json:"contractAddress"`
	CumulativeGasUsed string `json:"cumulativeGasUsed"`
	GasUsed           string `json:"gasUsed"`
	Confirmations     string `json:"confirmations"`
}

// Finder looks up the transactions an address sent (DirectionFrom) or
// received (DirectionTo) within [startBlock, endBlock]. An endBlock of zero
// means "up to the latest block".
type Finder interface {
	Find(ctx context.Context, address string, dir Direction, startBlock, endBlock uint64) ([]RawTransaction, error)
}

// Lister is implemented by Finders that can return both sides of an
// address's history in a single pass.
type Lister interface {
	List(ctx context.Context, address string, startBlock, endBlock uint64) ([]RawTransaction, error)
}
