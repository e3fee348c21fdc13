package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlasvault/chainflow/internal/events"
	"github.com/atlasvault/chainflow/internal/lending"
	"github.com/atlasvault/chainflow/internal/money"
	"github.com/atlasvault/chainflow/internal/storage"
)

// HandleCollateralRequest validates a borrow intent and reports the verdict
// to the on-chain relayer. Approval requires: an unexpired deadline, a known
// user, verified NFT ownership, and headroom under the weighted LTV limit.
func (l *Ledger) HandleCollateralRequest(ctx context.Context, chainID uint64, c *events.CollateralRequest, ts time.Time) error {
	deadline := time.Unix(c.Deadline.Int64(), 0)
	usd, usdErr := l.usdValue(ctx, chainID, c.Asset, c.Amount)

	inserted, err := l.store.InsertRelayerEvent(ctx, &storage.RelayerEvent{
		Type:      storage.RelayerCollateralRequest,
		RequestID: c.RequestID,
		ChainID:   chainID,
		TokenID:   c.TokenID.String(),
		Protocol:  c.Protocol,
		Asset:     c.Asset,
		Sender:    c.Sender,
		Amount:    decimal.NewFromBigInt(c.Amount, 0),
		UsdValue:  usd,
		Deadline:  deadline,
		Data:      c.Data,
		Signature: c.Signature,
		Status:    storage.RequestPending,
	})
	if err != nil {
		return err
	}
	if !inserted {
		l.logger.Warn("duplicate collateral request dropped",
			"request_id", c.RequestID,
			"chain_id", chainID,
		)
		return nil
	}

	row, err := l.store.GetRelayerEvent(ctx, c.RequestID, chainID, storage.RelayerCollateralRequest)
	if err != nil {
		return err
	}

	if reason := l.validateCollateralRequest(ctx, chainID, c, deadline, usd, usdErr); reason != "" {
		return l.resolveRequest(ctx, chainID, row, false, reason)
	}
	return l.resolveRequest(ctx, chainID, row, true, "")
}

// validateCollateralRequest returns the rejection reason, or empty when the
// request passes every check.
func (l *Ledger) validateCollateralRequest(ctx context.Context, chainID uint64, c *events.CollateralRequest, deadline time.Time, usd decimal.Decimal, usdErr error) string {
	if deadline.Before(time.Now()) {
		return "Request deadline has passed"
	}

	user, err := l.store.GetUser(ctx, c.Sender)
	if err != nil || user == nil {
		return "Unknown user"
	}

	owns, err := l.verifier.VerifyOwnership(ctx, c.Sender, c.TokenID.String(), l.cfg.AllowDepositFallback)
	if err != nil {
		l.logger.Error("ownership check failed", "request_id", c.RequestID, "error", err)
		return "Ownership verification unavailable"
	}
	if !owns {
		return "NFT ownership not verified"
	}

	if usdErr != nil {
		l.logger.Error("borrow amount valuation failed", "request_id", c.RequestID, "error", usdErr)
		return "Price unavailable"
	}

	totalLTV, err := l.tokenLTV(ctx, c.TokenID.String())
	if err != nil {
		l.logger.Error("LTV computation failed", "request_id", c.RequestID, "error", err)
		return "Collateral valuation failed"
	}
	utilization, err := l.tokenUtilization(ctx, c.TokenID.String())
	if err != nil {
		l.logger.Error("utilization lookup failed", "request_id", c.RequestID, "error", err)
		return "Utilization unavailable"
	}

	if utilization.Add(usd).GreaterThan(totalLTV) {
		l.logger.Warn("borrow exceeds LTV",
			"request_id", c.RequestID,
			"utilization", utilization.String(),
			"amount_usd", usd.String(),
			"total_ltv", totalLTV.String(),
		)
		return reasonExceedsLTV
	}
	return ""
}

// tokenLTV sums usdValue * ltvRatio across the token's deposits on every
// chain. Assets without an LTV entry contribute value but zero borrowing
// power.
func (l *Ledger) tokenLTV(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	values, err := l.store.DepositsForToken(ctx, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, v := range values {
		ratio, ok := l.ltvRatio(v.ChainID, v.Asset)
		if !ok {
			l.logger.Warn("NO LTV CONFIGURED",
				"chain_id", v.ChainID,
				"asset", v.Asset,
			)
			continue
		}
		total = total.Add(v.UsdValue.Mul(ratio))
	}
	return money.Format(total), nil
}

// tokenUtilization sums pool-reported utilization over the distinct
// protocols with approved borrows against the token, descaling from 1e6.
func (l *Ledger) tokenUtilization(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	protocols, err := l.store.ApprovedBorrowProtocols(ctx, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	tokenBig, ok := tokenIDBig(tokenID)
	if !ok {
		return decimal.Zero, fmt.Errorf("ledger: invalid token id %q", tokenID)
	}

	total := decimal.Zero
	for _, p := range protocols {
		raw, err := l.pools.Utilization(ctx, p, tokenBig)
		if err != nil {
			return decimal.Zero, fmt.Errorf("utilization for %s: %w", p, err)
		}
		total = total.Add(decimal.NewFromBigInt(raw, 0).Div(decimal.NewFromInt(lending.UtilizationScale)))
	}
	return money.Format(total), nil
}

// resolveRequest submits processRequest and persists the verdict on the
// request row.
func (l *Ledger) resolveRequest(ctx context.Context, chainID uint64, row *storage.RelayerEvent, approved bool, reason string) error {
	if err := l.relayer.ProcessRequest(ctx, chainID, hashFromHex(row.RequestID), approved); err != nil {
		l.logger.Error("processRequest submission failed",
			"request_id", row.RequestID,
			"approved", approved,
			"error", err,
		)
		// verdict not delivered: leave the row PENDING for the sweep
		return nil
	}

	status := storage.RequestApproved
	var errorData *string
	if !approved {
		status = storage.RequestRejected
		errorData = &reason
	}
	if err := l.store.UpdateRelayerEventStatus(ctx, row.ID, status, errorData, nil); err != nil {
		return err
	}

	l.logger.Info("collateral request resolved",
		"request_id", row.RequestID,
		"approved", approved,
		"reason", reason,
	)
	return nil
}

// HandleCollateralProcess reacts to the on-chain resolution: an approval
// opens the borrow, adds its USD value to the borrowed amount and debits the
// same value from the floating balance.
func (l *Ledger) HandleCollateralProcess(ctx context.Context, chainID uint64, p *events.CollateralProcess, txHash string) error {
	request, err := l.store.GetRelayerEvent(ctx, p.RequestID, chainID, storage.RelayerCollateralRequest)
	if err != nil {
		return err
	}
	if request == nil {
		l.logger.Warn("process without request dropped",
			"request_id", p.RequestID,
			"chain_id", chainID,
		)
		return nil
	}

	inserted, err := l.store.InsertRelayerEvent(ctx, &storage.RelayerEvent{
		Type:      storage.RelayerCollateralProcess,
		RequestID: p.RequestID,
		ChainID:   chainID,
		TokenID:   request.TokenID,
		Sender:    request.Sender,
		Status:    statusFromApproved(p.Approved),
	})
	if err != nil {
		return err
	}
	if !inserted {
		l.logger.Warn("duplicate collateral process dropped", "request_id", p.RequestID)
		return nil
	}

	status := statusFromApproved(p.Approved)
	var errorData *string
	if len(p.ErrorData) > 0 {
		s := fmt.Sprintf("0x%x", p.ErrorData)
		errorData = &s
	}
	if err := l.store.UpdateRelayerEventStatus(ctx, request.ID, status, errorData, &txHash); err != nil {
		return err
	}

	if !p.Approved {
		return nil
	}

	user, err := l.store.GetUser(ctx, request.Sender)
	if err != nil {
		return err
	}
	if user == nil {
		l.logger.Warn("approved borrow for unknown user dropped", "request_id", p.RequestID)
		return nil
	}

	if err := l.store.InsertBorrow(ctx, &storage.Borrow{
		UserID:    user.ID,
		ChainID:   chainID,
		RequestID: request.RequestID,
		TokenID:   request.TokenID,
		Protocol:  request.Protocol,
		Asset:     request.Asset,
		Amount:    request.Amount,
		UsdValue:  request.UsdValue,
		Status:    storage.BorrowActive,
	}); err != nil {
		return err
	}
	// borrowed value locks collateral: floating drops so the balance
	// invariant floating = total − borrowed − pending keeps holding
	if err := l.store.AdjustBalances(ctx, user.ID, decimal.Zero, request.UsdValue.Neg(), request.UsdValue); err != nil {
		return err
	}

	l.logger.Info("borrow opened",
		"request_id", p.RequestID,
		"usd", request.UsdValue.String(),
	)
	return nil
}

// HandleRepay applies a repayment. The repaid asset comes from the ERC20
// Transfer co-emitted in the same transaction; the repayment is capped at
// the outstanding borrow total and walks active borrows oldest first.
func (l *Ledger) HandleRepay(ctx context.Context, chainID uint64, r *events.Repay, transfer *events.ERC20Transfer, txHash string, ts time.Time) error {
	if transfer == nil {
		l.logger.Warn("repay without ERC20 transfer dropped", "tx", txHash)
		return nil
	}

	user, err := l.store.GetUser(ctx, r.By)
	if err != nil {
		return err
	}
	if user == nil {
		l.logger.Warn("repay by unknown user dropped", "by", r.By, "tx", txHash)
		return nil
	}

	// one repay event per tx
	inserted, err := l.store.InsertRelayerEvent(ctx, &storage.RelayerEvent{
		Type:      storage.RelayerRepay,
		RequestID: txHash,
		ChainID:   chainID,
		TokenID:   "0",
		Sender:    r.By,
		Asset:     transfer.Token,
		Amount:    decimal.NewFromBigInt(r.Amount, 0),
		Status:    storage.RequestApproved,
	})
	if err != nil {
		return err
	}
	if !inserted {
		l.logger.Warn("duplicate repay dropped", "tx", txHash)
		return nil
	}

	usd, err := l.usdValue(ctx, chainID, transfer.Token, r.Amount)
	if err != nil {
		l.logger.Error("repay dropped: price lookup failed", "tx", txHash, "error", err)
		return nil
	}

	outstanding, err := l.store.SumActiveBorrowsUSD(ctx, user.ID)
	if err != nil {
		return err
	}
	repaid := money.Format(decimal.Min(usd, outstanding))
	if repaid.LessThanOrEqual(decimal.Zero) {
		l.logger.Warn("repay with no outstanding borrows dropped", "by", r.By)
		return nil
	}

	borrows, err := l.store.ActiveBorrows(ctx, user.ID)
	if err != nil {
		return err
	}
	remaining := repaid
	for _, b := range borrows {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if b.UsdValue.LessThanOrEqual(remaining) {
			remaining = remaining.Sub(b.UsdValue)
			if err := l.store.RepayBorrow(ctx, b.ID, ts); err != nil {
				return err
			}
		} else {
			if err := l.store.ReduceBorrow(ctx, b.ID, money.Format(b.UsdValue.Sub(remaining))); err != nil {
				return err
			}
			remaining = decimal.Zero
		}
	}

	if err := l.store.AdjustBalances(ctx, user.ID, decimal.Zero, repaid, repaid.Neg()); err != nil {
		return err
	}

	l.logger.Info("repayment applied",
		"by", r.By,
		"usd", repaid.String(),
	)
	return nil
}

// ProcessPendingRequests re-validates collateral requests whose verdict was
// never delivered on-chain. Invoked at consumer startup.
func (l *Ledger) ProcessPendingRequests(ctx context.Context) error {
	pending, err := l.store.ListPendingRelayerEvents(ctx, storage.RelayerCollateralRequest)
	if err != nil {
		return err
	}
	for _, row := range pending {
		c := &events.CollateralRequest{
			RequestID: row.RequestID,
			Sender:    row.Sender,
			TokenID:   mustTokenBig(row.TokenID),
			Protocol:  row.Protocol,
			Asset:     row.Asset,
			Amount:    row.Amount.BigInt(),
			Deadline:  bigFromTime(row.Deadline),
			Data:      row.Data,
			Signature: row.Signature,
		}
		usd := row.UsdValue
		if reason := l.validateCollateralRequest(ctx, row.ChainID, c, row.Deadline, usd, nil); reason != "" {
			if err := l.resolveRequest(ctx, row.ChainID, row, false, reason); err != nil {
				l.logger.Error("pending request resolution failed", "request_id", row.RequestID, "error", err)
			}
			continue
		}
		if err := l.resolveRequest(ctx, row.ChainID, row, true, ""); err != nil {
			l.logger.Error("pending request resolution failed", "request_id", row.RequestID, "error", err)
		}
	}
	return nil
}

func statusFromApproved(approved bool) storage.RelayerEventStatus {
	if approved {
		return storage.RequestApproved
	}
	return storage.RequestRejected
}
