package events

import (
	"github.com/atlasvault/chainflow/pkg/wire"
)

// DecodeToArgs decodes a matched log into its event name and a generic
// argument map for message enrichment. Unknown or undecodable logs return
// an empty name; the producer ships the raw log either way.
func DecodeToArgs(l *wire.Log) (string, map[string]any) {
	if len(l.Topics) == 0 {
		return "", nil
	}
	name := Describe(l.Topics[0])
	if name == "" {
		return "", nil
	}

	switch name {
	case "Transfer":
		if IsERC721Transfer(l) {
			t, err := DecodeTransfer(l)
			if err != nil {
				return "", nil
			}
			return name, map[string]any{
				"from":    t.From,
				"to":      t.To,
				"tokenId": t.TokenID.String(),
			}
		}
		t, err := DecodeERC20Transfer(l)
		if err != nil {
			return "", nil
		}
		return name, map[string]any{
			"from":   t.From,
			"to":     t.To,
			"amount": t.Amount.String(),
		}
	case "Deposit":
		d, err := DecodeDeposit(l)
		if err != nil {
			return "", nil
		}
		return name, map[string]any{
			"sender":  d.Sender,
			"asset":   d.Asset,
			"vault":   d.Vault,
			"amount":  d.Amount.String(),
			"tokenId": d.TokenID.String(),
		}
	case "WithdrawRequest":
		w, err := DecodeWithdrawRequest(l)
		if err != nil {
			return "", nil
		}
		return name, map[string]any{
			"sender":    w.Sender,
			"asset":     w.Asset,
			"amount":    w.Amount.String(),
			"tokenId":   w.TokenID.String(),
			"requestId": w.RequestID,
		}
	case "Withdraw":
		w, err := DecodeWithdraw(l)
		if err != nil {
			return "", nil
		}
		return name, map[string]any{
			"sender":    w.Sender,
			"asset":     w.Asset,
			"amount":    w.Amount.String(),
			"requestId": w.RequestID,
		}
	case "CollateralRequest":
		c, err := DecodeCollateralRequest(l)
		if err != nil {
			return "", nil
		}
		return name, map[string]any{
			"requestId": c.RequestID,
			"sender":    c.Sender,
			"tokenId":   c.TokenID.String(),
			"protocol":  c.Protocol,
			"asset":     c.Asset,
			"amount":    c.Amount.String(),
			"deadline":  c.Deadline.String(),
		}
	case "CollateralProcess":
		c, err := DecodeCollateralProcess(l)
		if err != nil {
			return "", nil
		}
		return name, map[string]any{
			"requestId": c.RequestID,
			"approved":  c.Approved,
		}
	case "Repay":
		r, err := DecodeRepay(l)
		if err != nil {
			return "", nil
		}
		return name, map[string]any{
			"by":     r.By,
			"amount": r.Amount.String(),
		}
	}
	return "", nil
}
