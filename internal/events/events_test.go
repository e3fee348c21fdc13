package events

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atlasvault/chainflow/pkg/wire"
)

const (
	sender   = "0xaaaa000000000000000000000000000000000001"
	receiver = "0xbbbb000000000000000000000000000000000002"
	asset    = "0xcccc000000000000000000000000000000000003"
	vaultC   = "0xdddd000000000000000000000000000000000004"
	protocol = "0xeeee000000000000000000000000000000000005"
	reqID    = "0x00000000000000000000000000000000000000000000000000000000000000a1"
)

func addrTopic(addr string) string {
	return common.BytesToHash(common.HexToAddress(addr).Bytes()).Hex()
}

func uintTopic(v int64) string {
	return common.BigToHash(big.NewInt(v)).Hex()
}

func packed(t *testing.T, args interface{ Pack(...interface{}) ([]byte, error) }, vals ...interface{}) string {
	t.Helper()
	data, err := args.Pack(vals...)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	return "0x" + hex.EncodeToString(data)
}

func TestDecodeTransfer(t *testing.T) {
	log := &wire.Log{
		Address: "0xnft",
		Topics:  []string{TopicTransfer, addrTopic(sender), addrTopic(receiver), uintTopic(7)},
	}
	if !IsERC721Transfer(log) {
		t.Fatal("4-topic Transfer should classify as ERC721")
	}
	tr, err := DecodeTransfer(log)
	if err != nil {
		t.Fatalf("DecodeTransfer failed: %v", err)
	}
	if tr.From != sender || tr.To != receiver || tr.TokenID.Int64() != 7 {
		t.Errorf("decoded %+v", tr)
	}
}

func TestDecodeERC20Transfer(t *testing.T) {
	log := &wire.Log{
		Address: asset,
		Topics:  []string{TopicTransfer, addrTopic(sender), addrTopic(receiver)},
		Data:    packed(t, erc20TransferDataArgs, big.NewInt(1500)),
	}
	if !IsERC20Transfer(log) {
		t.Fatal("3-topic Transfer should classify as ERC20")
	}
	if IsERC721Transfer(log) {
		t.Fatal("3-topic Transfer must not classify as ERC721")
	}
	tr, err := DecodeERC20Transfer(log)
	if err != nil {
		t.Fatalf("DecodeERC20Transfer failed: %v", err)
	}
	if tr.Token != asset || tr.Amount.Int64() != 1500 {
		t.Errorf("decoded %+v", tr)
	}
}

func TestDecodeDeposit(t *testing.T) {
	log := &wire.Log{
		Address: vaultC,
		Topics:  []string{TopicDeposit, addrTopic(sender), addrTopic(asset)},
		Data:    packed(t, depositDataArgs, common.HexToAddress(vaultC), big.NewInt(1000), big.NewInt(3)),
	}
	d, err := DecodeDeposit(log)
	if err != nil {
		t.Fatalf("DecodeDeposit failed: %v", err)
	}
	if d.Sender != sender || d.Asset != asset || d.Vault != vaultC {
		t.Errorf("decoded %+v", d)
	}
	if d.Amount.Int64() != 1000 || d.TokenID.Int64() != 3 {
		t.Errorf("decoded amounts %v %v", d.Amount, d.TokenID)
	}
}

func TestDecodeWithdrawRequest(t *testing.T) {
	var rid [32]byte
	copy(rid[:], common.HexToHash(reqID).Bytes())
	log := &wire.Log{
		Address: vaultC,
		Topics:  []string{TopicWithdrawRequest, addrTopic(sender), addrTopic(asset)},
		Data:    packed(t, withdrawRequestDataArgs, big.NewInt(500), big.NewInt(3), rid),
	}
	w, err := DecodeWithdrawRequest(log)
	if err != nil {
		t.Fatalf("DecodeWithdrawRequest failed: %v", err)
	}
	if w.RequestID != reqID {
		t.Errorf("requestId = %s", w.RequestID)
	}
	if w.Amount.Int64() != 500 || w.TokenID.Int64() != 3 {
		t.Errorf("decoded %+v", w)
	}
}

func TestDecodeWithdraw(t *testing.T) {
	var rid [32]byte
	copy(rid[:], common.HexToHash(reqID).Bytes())
	log := &wire.Log{
		Address: vaultC,
		Topics:  []string{TopicWithdraw, addrTopic(sender), addrTopic(asset)},
		Data:    packed(t, withdrawDataArgs, big.NewInt(500), rid),
	}
	w, err := DecodeWithdraw(log)
	if err != nil {
		t.Fatalf("DecodeWithdraw failed: %v", err)
	}
	if w.Sender != sender || w.RequestID != reqID || w.Amount.Int64() != 500 {
		t.Errorf("decoded %+v", w)
	}
}

func TestDecodeCollateralRequest(t *testing.T) {
	log := &wire.Log{
		Address: protocol,
		Topics:  []string{TopicCollateralRequest, reqID, addrTopic(sender)},
		Data: packed(t, collateralRequestDataArgs,
			big.NewInt(3),
			common.HexToAddress(protocol),
			common.HexToAddress(asset),
			big.NewInt(200),
			big.NewInt(1800000000),
			[]byte{0x01},
			[]byte{0x02, 0x03},
		),
	}
	c, err := DecodeCollateralRequest(log)
	if err != nil {
		t.Fatalf("DecodeCollateralRequest failed: %v", err)
	}
	if c.RequestID != reqID || c.Sender != sender {
		t.Errorf("decoded %+v", c)
	}
	if c.Protocol != protocol || c.Asset != asset {
		t.Errorf("addresses %s %s", c.Protocol, c.Asset)
	}
	if c.Amount.Int64() != 200 || c.Deadline.Int64() != 1800000000 {
		t.Errorf("amounts %v %v", c.Amount, c.Deadline)
	}
	if len(c.Signature) != 2 {
		t.Errorf("signature = %x", c.Signature)
	}
}

func TestDecodeCollateralProcess(t *testing.T) {
	log := &wire.Log{
		Topics: []string{TopicCollateralProcess, reqID},
		Data:   packed(t, collateralProcessDataArgs, uint8(1), []byte{}),
	}
	p, err := DecodeCollateralProcess(log)
	if err != nil {
		t.Fatalf("DecodeCollateralProcess failed: %v", err)
	}
	if !p.Approved || p.RequestID != reqID {
		t.Errorf("decoded %+v", p)
	}

	log.Data = packed(t, collateralProcessDataArgs, uint8(0), []byte{0xde, 0xad})
	p, err = DecodeCollateralProcess(log)
	if err != nil {
		t.Fatalf("DecodeCollateralProcess failed: %v", err)
	}
	if p.Approved || len(p.ErrorData) != 2 {
		t.Errorf("decoded %+v", p)
	}
}

func TestDecodeRepay(t *testing.T) {
	log := &wire.Log{
		Topics: []string{TopicRepay, addrTopic(sender)},
		Data:   packed(t, repayDataArgs, big.NewInt(42)),
	}
	r, err := DecodeRepay(log)
	if err != nil {
		t.Fatalf("DecodeRepay failed: %v", err)
	}
	if r.By != sender || r.Amount.Int64() != 42 {
		t.Errorf("decoded %+v", r)
	}
}

func TestDecode_TruncatedDataErrors(t *testing.T) {
	log := &wire.Log{
		Topics: []string{TopicDeposit, addrTopic(sender), addrTopic(asset)},
		Data:   "0x01",
	}
	if _, err := DecodeDeposit(log); err == nil {
		t.Error("truncated data must not decode")
	}
}

func TestDecodeToArgs(t *testing.T) {
	log := &wire.Log{
		Address: "0xnft",
		Topics:  []string{TopicTransfer, addrTopic(sender), addrTopic(receiver), uintTopic(7)},
	}
	name, args := DecodeToArgs(log)
	if name != "Transfer" {
		t.Fatalf("name = %s", name)
	}
	if args["tokenId"] != "7" || args["to"] != receiver {
		t.Errorf("args = %v", args)
	}

	unknown := &wire.Log{Topics: []string{"0x00000000000000000000000000000000000000000000000000000000000000ff"}}
	if name, _ := DecodeToArgs(unknown); name != "" {
		t.Errorf("unknown topic should yield empty name, got %s", name)
	}
}
