// Package events decodes the vault, relayer, and token logs the pipeline
// reacts to.
package events

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atlasvault/chainflow/pkg/wire"
)

// Known event signatures (topic0).
const (
	TopicTransfer          = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	TopicDeposit           = "0x76fbc6746f9e51c1cf42bcf7efa00acd7f592c5b8e4e2373d10f1d7c15ea236e"
	TopicWithdrawRequest   = "0x1e8654c30eb1d53fd0d1e887c9c0a07fe49f0d13b0c2dc0e9bb88e0b58ce8c3f"
	TopicWithdraw          = "0x31e649bfc5a0e540cb45dd1fb1adf649b0b6a0c8a1781d323ccf4a160d0d5af6"
	TopicCollateralRequest = "0xbbca15b319d77e55e2e3ca6c2d9d3a8bd9e27f5c14c0a3e6fd05c9f16f2abc91"
	TopicCollateralProcess = "0xe261186b180f97f2a4ff367c720421bb16e24ecbfc696bd37fbb8bb908cb0972"
	TopicRepay             = "0x77c687123bbcb534a77132c6a04871e0f8a4d7d1aa4d78a00a7c4097f72731d0"
)

// IndexedTopics returns the default active filter set for the producer.
func IndexedTopics() []string {
	return []string{
		TopicTransfer,
		TopicDeposit,
		TopicWithdrawRequest,
		TopicWithdraw,
		TopicCollateralRequest,
		TopicCollateralProcess,
		TopicRepay,
	}
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	typeAddress = mustType("address")
	typeUint256 = mustType("uint256")
	typeUint8   = mustType("uint8")
	typeBytes32 = mustType("bytes32")
	typeBytes   = mustType("bytes")
)

var (
	depositDataArgs = abi.Arguments{
		{Name: "vault", Type: typeAddress},
		{Name: "amount", Type: typeUint256},
		{Name: "tokenId", Type: typeUint256},
	}
	withdrawRequestDataArgs = abi.Arguments{
		{Name: "amount", Type: typeUint256},
		{Name: "tokenId", Type: typeUint256},
		{Name: "requestId", Type: typeBytes32},
	}
	withdrawDataArgs = abi.Arguments{
		{Name: "amount", Type: typeUint256},
		{Name: "requestId", Type: typeBytes32},
	}
	collateralRequestDataArgs = abi.Arguments{
		{Name: "tokenId", Type: typeUint256},
		{Name: "protocol", Type: typeAddress},
		{Name: "asset", Type: typeAddress},
		{Name: "amount", Type: typeUint256},
		{Name: "deadline", Type: typeUint256},
		{Name: "data", Type: typeBytes},
		{Name: "signature", Type: typeBytes},
	}
	collateralProcessDataArgs = abi.Arguments{
		{Name: "status", Type: typeUint8},
		{Name: "errorData", Type: typeBytes},
	}
	repayDataArgs = abi.Arguments{
		{Name: "amount", Type: typeUint256},
	}
	erc20TransferDataArgs = abi.Arguments{
		{Name: "amount", Type: typeUint256},
	}
)

// Transfer is an ERC721 Transfer(from, to, tokenId) — all three indexed.
type Transfer struct {
	From    string
	To      string
	TokenID *big.Int
}

// ERC20Transfer is an ERC20 Transfer(from, to) with the amount in data.
type ERC20Transfer struct {
	Token  string
	From   string
	To     string
	Amount *big.Int
}

// Deposit is Deposit(sender, asset, vault, amount, tokenId).
type Deposit struct {
	Sender  string
	Asset   string
	Vault   string
	Amount  *big.Int
	TokenID *big.Int
}

// WithdrawRequest is WithdrawRequest(sender, asset, amount, tokenId, requestId).
type WithdrawRequest struct {
	Sender    string
	Asset     string
	Amount    *big.Int
	TokenID   *big.Int
	RequestID string
}

// Withdraw is Withdraw(sender, asset, amount, requestId).
type Withdraw struct {
	Sender    string
	Asset     string
	Amount    *big.Int
	RequestID string
}

// CollateralRequest is the borrow intent relayed cross-chain.
type CollateralRequest struct {
	RequestID string
	Sender    string
	TokenID   *big.Int
	Protocol  string
	Asset     string
	Amount    *big.Int
	Deadline  *big.Int
	Data      []byte
	Signature []byte
}

// CollateralProcess resolves a prior request on-chain.
type CollateralProcess struct {
	RequestID string
	Approved  bool
	ErrorData []byte
}

// Repay is Repay(by) with the amount in data; the repaid asset comes from
// the co-emitted ERC20 Transfer in the same transaction.
type Repay struct {
	By     string
	Amount *big.Int
}

func topicAddr(topic string) string {
	return strings.ToLower(common.HexToAddress(topic).Hex())
}

func topicBig(topic string) *big.Int {
	return new(big.Int).SetBytes(common.HexToHash(topic).Bytes())
}

func logData(l *wire.Log) []byte {
	return common.FromHex(l.Data)
}

// IsERC721Transfer distinguishes the NFT transfer from the ERC20 one: both
// share topic0, but ERC721 indexes the tokenId as a fourth topic.
func IsERC721Transfer(l *wire.Log) bool {
	return len(l.Topics) == 4 && strings.EqualFold(l.Topics[0], TopicTransfer)
}

// IsERC20Transfer matches the 3-topic variant with the amount in data.
func IsERC20Transfer(l *wire.Log) bool {
	return len(l.Topics) == 3 && strings.EqualFold(l.Topics[0], TopicTransfer)
}

// DecodeTransfer parses an ERC721 Transfer log.
func DecodeTransfer(l *wire.Log) (*Transfer, error) {
	if !IsERC721Transfer(l) {
		return nil, fmt.Errorf("events: not an ERC721 Transfer log")
	}
	return &Transfer{
		From:    topicAddr(l.Topics[1]),
		To:      topicAddr(l.Topics[2]),
		TokenID: topicBig(l.Topics[3]),
	}, nil
}

// DecodeERC20Transfer parses an ERC20 Transfer log.
func DecodeERC20Transfer(l *wire.Log) (*ERC20Transfer, error) {
	if !IsERC20Transfer(l) {
		return nil, fmt.Errorf("events: not an ERC20 Transfer log")
	}
	vals, err := erc20TransferDataArgs.Unpack(logData(l))
	if err != nil {
		return nil, fmt.Errorf("events: unpack ERC20 Transfer: %w", err)
	}
	return &ERC20Transfer{
		Token:  strings.ToLower(l.Address),
		From:   topicAddr(l.Topics[1]),
		To:     topicAddr(l.Topics[2]),
		Amount: vals[0].(*big.Int),
	}, nil
}

// DecodeDeposit parses a vault Deposit log.
func DecodeDeposit(l *wire.Log) (*Deposit, error) {
	if len(l.Topics) < 3 {
		return nil, fmt.Errorf("events: Deposit log missing topics")
	}
	vals, err := depositDataArgs.Unpack(logData(l))
	if err != nil {
		return nil, fmt.Errorf("events: unpack Deposit: %w", err)
	}
	return &Deposit{
		Sender:  topicAddr(l.Topics[1]),
		Asset:   topicAddr(l.Topics[2]),
		Vault:   strings.ToLower(vals[0].(common.Address).Hex()),
		Amount:  vals[1].(*big.Int),
		TokenID: vals[2].(*big.Int),
	}, nil
}

// DecodeWithdrawRequest parses a WithdrawRequest log.
func DecodeWithdrawRequest(l *wire.Log) (*WithdrawRequest, error) {
	if len(l.Topics) < 3 {
		return nil, fmt.Errorf("events: WithdrawRequest log missing topics")
	}
	vals, err := withdrawRequestDataArgs.Unpack(logData(l))
	if err != nil {
		return nil, fmt.Errorf("events: unpack WithdrawRequest: %w", err)
	}
	requestID := vals[2].([32]byte)
	return &WithdrawRequest{
		Sender:    topicAddr(l.Topics[1]),
		Asset:     topicAddr(l.Topics[2]),
		Amount:    vals[0].(*big.Int),
		TokenID:   vals[1].(*big.Int),
		RequestID: hashHex(requestID),
	}, nil
}

// DecodeWithdraw parses a Withdraw log.
func DecodeWithdraw(l *wire.Log) (*Withdraw, error) {
	if len(l.Topics) < 3 {
		return nil, fmt.Errorf("events: Withdraw log missing topics")
	}
	vals, err := withdrawDataArgs.Unpack(logData(l))
	if err != nil {
		return nil, fmt.Errorf("events: unpack Withdraw: %w", err)
	}
	requestID := vals[1].([32]byte)
	return &Withdraw{
		Sender:    topicAddr(l.Topics[1]),
		Asset:     topicAddr(l.Topics[2]),
		Amount:    vals[0].(*big.Int),
		RequestID: hashHex(requestID),
	}, nil
}

// DecodeCollateralRequest parses a CollateralRequest log.
func DecodeCollateralRequest(l *wire.Log) (*CollateralRequest, error) {
	if len(l.Topics) < 3 {
		return nil, fmt.Errorf("events: CollateralRequest log missing topics")
	}
	vals, err := collateralRequestDataArgs.Unpack(logData(l))
	if err != nil {
		return nil, fmt.Errorf("events: unpack CollateralRequest: %w", err)
	}
	return &CollateralRequest{
		RequestID: strings.ToLower(l.Topics[1]),
		Sender:    topicAddr(l.Topics[2]),
		TokenID:   vals[0].(*big.Int),
		Protocol:  strings.ToLower(vals[1].(common.Address).Hex()),
		Asset:     strings.ToLower(vals[2].(common.Address).Hex()),
		Amount:    vals[3].(*big.Int),
		Deadline:  vals[4].(*big.Int),
		Data:      vals[5].([]byte),
		Signature: vals[6].([]byte),
	}, nil
}

// DecodeCollateralProcess parses a CollateralProcess log.
func DecodeCollateralProcess(l *wire.Log) (*CollateralProcess, error) {
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("events: CollateralProcess log missing topics")
	}
	vals, err := collateralProcessDataArgs.Unpack(logData(l))
	if err != nil {
		return nil, fmt.Errorf("events: unpack CollateralProcess: %w", err)
	}
	return &CollateralProcess{
		RequestID: strings.ToLower(l.Topics[1]),
		Approved:  vals[0].(uint8) == 1,
		ErrorData: vals[1].([]byte),
	}, nil
}

// DecodeRepay parses a Repay log.
func DecodeRepay(l *wire.Log) (*Repay, error) {
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("events: Repay log missing topics")
	}
	vals, err := repayDataArgs.Unpack(logData(l))
	if err != nil {
		return nil, fmt.Errorf("events: unpack Repay: %w", err)
	}
	return &Repay{
		By:     topicAddr(l.Topics[1]),
		Amount: vals[0].(*big.Int),
	}, nil
}

// Describe returns the event name for a topic0, for message enrichment.
func Describe(topic0 string) string {
	switch strings.ToLower(topic0) {
	case TopicTransfer:
		return "Transfer"
	case TopicDeposit:
		return "Deposit"
	case TopicWithdrawRequest:
		return "WithdrawRequest"
	case TopicWithdraw:
		return "Withdraw"
	case TopicCollateralRequest:
		return "CollateralRequest"
	case TopicCollateralProcess:
		return "CollateralProcess"
	case TopicRepay:
		return "Repay"
	default:
		return ""
	}
}

func hashHex(h [32]byte) string {
	return strings.ToLower(common.BytesToHash(h[:]).Hex())
}
