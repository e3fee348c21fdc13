// Package wire defines the JSON message contract published on the bus
// between the producer and consumer services.
package wire

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// BigInt serializes as a decimal string. Chain values (wei amounts, gas)
// overflow float64 precision, so they never travel as JSON numbers.
type BigInt struct {
	big.Int
}

// NewBigInt wraps v; nil yields a zero value.
func NewBigInt(v *big.Int) *BigInt {
	b := &BigInt{}
	if v != nil {
		b.Set(v)
	}
	return b
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		b.SetInt64(0)
		return nil
	}
	if _, ok := b.SetString(s, 10); !ok {
		// tolerate hex-encoded quantities from older producers
		if _, ok := b.SetString(strings.TrimPrefix(s, "0x"), 16); !ok {
			return fmt.Errorf("wire: invalid integer %q", s)
		}
	}
	return nil
}

// Log is a matched receipt log, trimmed to the fields consumers need.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data,omitempty"`
	BlockNumber uint64   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    uint32   `json:"logIndex"`
}

// Transaction is the filtered transaction payload. Logs carries only the
// logs whose topic0 matched an active filter, in log-index order.
type Transaction struct {
	Hash        string   `json:"hash"`
	BlockNumber uint64   `json:"blockNumber"`
	BlockHash   string   `json:"blockHash"`
	ChainID     uint64   `json:"chainId"`
	ChainName   string   `json:"chainName"`
	From        string   `json:"from"`
	To          string   `json:"to,omitempty"`
	Value       *BigInt  `json:"value"`
	Data        string   `json:"data,omitempty"`
	GasUsed     *BigInt  `json:"gasUsed,omitempty"`
	GasPrice    *BigInt  `json:"gasPrice,omitempty"`
	Status      *uint64  `json:"status,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	Topics      []string `json:"topics"`
	Logs        []Log    `json:"logs"`
}

// Event is a decoded log attached alongside the raw transaction.
type Event struct {
	Name     string         `json:"name"`
	Contract string         `json:"contract"`
	Args     map[string]any `json:"args"`
	Address  string         `json:"address"`
}

// Metadata duplicates routing fields so consumers can filter without
// touching the transaction body.
type Metadata struct {
	ChainID         uint64 `json:"chainId"`
	ChainName       string `json:"chainName"`
	BlockNumber     uint64 `json:"blockNumber"`
	TransactionHash string `json:"transactionHash"`
	Timestamp       int64  `json:"timestamp"`
}

// Message is the enhanced (current) shape on the channel. Timestamp is the
// block timestamp in seconds.
type Message struct {
	Transaction Transaction `json:"transaction"`
	Events      []Event     `json:"events"`
	Timestamp   int64       `json:"timestamp"`
	Metadata    Metadata    `json:"metadata"`
}

// legacyMessage is the flat shape emitted by producers that predate the
// metadata envelope. It normalizes into Message.
type legacyMessage struct {
	Transaction struct {
		BlockHash   string   `json:"blockHash"`
		BlockNumber uint64   `json:"blockNumber"`
		Hash        string   `json:"hash"`
		From        string   `json:"from"`
		To          string   `json:"to"`
		Value       *BigInt  `json:"value"`
		Data        string   `json:"data"`
		ChainID     uint64   `json:"chainId"`
		ChainName   string   `json:"chainName"`
		Topics      []string `json:"topics"`
		Logs        []Log    `json:"logs"`
	} `json:"transaction"`
	Timestamp int64    `json:"timestamp"`
	Topics    []string `json:"topics"`
}

// Decode parses either the enhanced or the legacy shape and returns the
// canonical Message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("wire: decode message: %w", err)
	}
	if msg.Metadata.TransactionHash != "" || len(msg.Events) > 0 {
		return &msg, nil
	}

	// No metadata envelope: re-read as the legacy flat shape.
	var legacy legacyMessage
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("wire: decode legacy message: %w", err)
	}
	if legacy.Transaction.Hash == "" {
		return nil, fmt.Errorf("wire: message has no transaction hash")
	}

	topics := legacy.Transaction.Topics
	if len(topics) == 0 {
		topics = legacy.Topics
	}
	out := &Message{
		Transaction: Transaction{
			Hash:        legacy.Transaction.Hash,
			BlockNumber: legacy.Transaction.BlockNumber,
			BlockHash:   legacy.Transaction.BlockHash,
			ChainID:     legacy.Transaction.ChainID,
			ChainName:   legacy.Transaction.ChainName,
			From:        legacy.Transaction.From,
			To:          legacy.Transaction.To,
			Value:       legacy.Transaction.Value,
			Data:        legacy.Transaction.Data,
			Timestamp:   legacy.Timestamp,
			Topics:      topics,
			Logs:        legacy.Transaction.Logs,
		},
		Timestamp: legacy.Timestamp,
		Metadata: Metadata{
			ChainID:         legacy.Transaction.ChainID,
			ChainName:       legacy.Transaction.ChainName,
			BlockNumber:     legacy.Transaction.BlockNumber,
			TransactionHash: legacy.Transaction.Hash,
			Timestamp:       legacy.Timestamp,
		},
	}
	return out, nil
}

// Encode marshals the message for publication.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	return data, nil
}
