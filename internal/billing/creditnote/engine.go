// Package creditnote implements C10: partitioning a finalized invoice's
// amounts into one or more credit notes under a row lock, so two
// concurrent requests can never jointly over-credit a line (spec
// §4.10). Grounded on C7's invoice assembler for the locked-mutation
// shape and on the teacher's transactional repository pattern.
package creditnote

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/clock"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	"github.com/meteroid-oss/meteroid-sub001/internal/outbox"
	"github.com/meteroid-oss/meteroid-sub001/internal/store"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// Engine creates and finalizes credit notes against an invoice. outbox
// may be nil, in which case Finalize still credits the customer
// balance but skips dispatching the refund event (matching C11's own
// optional-outbox scope decision).
type Engine struct {
	store  *store.Store
	clock  clock.Clock
	logger *logger.Logger
	outbox outbox.Outbox
}

func NewEngine(st *store.Store, c clock.Clock, log *logger.Logger, ob outbox.Outbox) *Engine {
	return &Engine{store: st, clock: c, logger: log, outbox: ob}
}

// LineRequest names one invoice line to credit. A nil Amount credits
// whatever of that line remains uncredited.
type LineRequest struct {
	LocalID string
	Amount  *int64
}

// CreateInput is create_credit_note's argument set.
type CreateInput struct {
	InvoiceID  string
	Lines      []LineRequest
	Reason     types.CreditNoteReason
	Memo       string
	CreditType types.CreditType
	// IdempotencyKey, if set, is persisted verbatim so a caller retrying
	// the same create_credit_note request after a timeout can recognize
	// its own prior attempt; a blank value gets a generated key instead,
	// since every credit note still needs one for downstream dedup.
	IdempotencyKey string
}

// Create runs create_credit_note (spec §4.10 steps 1-5): lock the
// invoice, validate each requested line against what remains
// creditable, partition the credited amounts proportionally, and
// apportion the result between a balance credit and a cash refund.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*model.CreditNote, error) {
	if len(in.Lines) == 0 {
		return nil, ierr.NewError("credit note requires at least one line").Mark(ierr.ErrInvalidArgument)
	}

	var result *model.CreditNote
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		inv, err := e.store.Invoices.LockInvoiceForUpdate(ctx, in.InvoiceID)
		if err != nil {
			return err
		}

		alreadyCredited, err := e.alreadyCreditedByLine(ctx, inv.ID)
		if err != nil {
			return err
		}

		cnLines, totals, err := partitionLines(*inv, in.Lines, alreadyCredited)
		if err != nil {
			return err
		}

		credited, refunded := apportionRefund(totals.total, inv.AppliedCredits, in.CreditType)

		idempotencyKey := in.IdempotencyKey
		if idempotencyKey == "" {
			idempotencyKey = uuid.NewString()
		}

		cn := &model.CreditNote{
			ID:                  types.GenerateIDWithPrefix(types.PrefixCreditNote),
			IdempotencyKey:      &idempotencyKey,
			TenantID:            inv.TenantID,
			InvoiceID:           inv.ID,
			CustomerID:          inv.CustomerID,
			Status:              types.CreditNoteStatusDraft,
			CreditType:          in.CreditType,
			Reason:              in.Reason,
			Memo:                in.Memo,
			Currency:            inv.Currency,
			LineItems:           cnLines,
			Subtotal:            -totals.subtotal,
			TaxAmount:           -totals.tax,
			Total:               -totals.total,
			CreditedAmountCents: credited,
			RefundedAmountCents: refunded,
			BaseModel:           types.BaseModel{TenantID: inv.TenantID, Status: types.StatusPublished},
		}
		if err := e.store.CreditNotes.InsertCreditNote(ctx, cn); err != nil {
			return err
		}
		result = cn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// alreadyCreditedByLine sums, per invoice line local_id, the positive
// subtotal already credited across every prior credit note — the
// already_credited_subtotal(line) step 2 checks each request against.
func (e *Engine) alreadyCreditedByLine(ctx context.Context, invoiceID string) (map[string]int64, error) {
	existing, err := e.store.CreditNotes.ListForInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, cn := range existing {
		if cn.Status == types.CreditNoteStatusVoided {
			continue
		}
		for _, l := range cn.LineItems {
			out[l.InvoiceLineLocal] += -l.Subtotal
		}
	}
	return out, nil
}

type creditedTotals struct {
	subtotal int64
	tax      int64
	total    int64
}

// partitionLines implements step 2-4 of create_credit_note: resolve
// each requested line against the invoice, validate the requested
// amount, split it proportionally between taxable and tax portions
// (rounded half-to-even), and negate every monetary field for the
// credit-note line.
func partitionLines(inv model.Invoice, requests []LineRequest, alreadyCredited map[string]int64) ([]model.CreditNoteLineItem, creditedTotals, error) {
	byLocalID := map[string]model.LineItem{}
	for _, l := range inv.LineItems {
		byLocalID[l.LocalID] = l
	}

	seen := map[string]bool{}
	var cnLines []model.CreditNoteLineItem
	var totals creditedTotals

	for _, req := range requests {
		if seen[req.LocalID] {
			return nil, creditedTotals{}, ierr.NewError("duplicate credit note line").
				WithHintf("local_id=%s", req.LocalID).Mark(ierr.ErrInvalidArgument)
		}
		seen[req.LocalID] = true

		line, ok := byLocalID[req.LocalID]
		if !ok {
			return nil, creditedTotals{}, ierr.NewError("credit note line not found on invoice").
				WithHintf("local_id=%s", req.LocalID).Mark(ierr.ErrInvalidArgument)
		}

		max := line.AmountSubtotal - alreadyCredited[req.LocalID]
		var creditedSubtotal int64
		isFull := req.Amount == nil
		if req.Amount != nil {
			creditedSubtotal = *req.Amount
			if creditedSubtotal <= 0 || creditedSubtotal > max {
				return nil, creditedTotals{}, ierr.NewError("credit amount exceeds creditable remainder").
					WithHintf("local_id=%s amount=%d max=%d", req.LocalID, creditedSubtotal, max).
					Mark(ierr.ErrInvalidArgument)
			}
			isFull = creditedSubtotal == max
		} else {
			if max <= 0 {
				return nil, creditedTotals{}, ierr.NewError("invoice line is fully credited").
					WithHintf("local_id=%s", req.LocalID).Mark(ierr.ErrInvalidArgument)
			}
			creditedSubtotal = max
		}

		creditedTaxable := proportion(creditedSubtotal, line.TaxableAmount, line.AmountSubtotal)
		creditedTax := proportion(creditedSubtotal, line.TaxAmount, line.AmountSubtotal)
		creditedTotal := creditedTaxable + creditedTax

		quantity := line.Quantity
		unitPrice := line.UnitPrice
		if !isFull {
			one := decimal.NewFromInt(1)
			negated := model.FromSubunit(-creditedSubtotal, inv.Currency)
			quantity = &one
			unitPrice = &negated
		}

		cnLines = append(cnLines, model.CreditNoteLineItem{
			LocalID:          types.GenerateIDWithPrefix(types.PrefixCreditNoteLine),
			InvoiceLineLocal: req.LocalID,
			Name:             line.Name,
			Quantity:         quantity,
			UnitPrice:        unitPrice,
			Subtotal:         -creditedSubtotal,
			TaxableAmount:    -creditedTaxable,
			TaxAmount:        -creditedTax,
			Total:            -creditedTotal,
		})

		totals.subtotal += creditedSubtotal
		totals.tax += creditedTax
		totals.total += creditedTotal
	}

	return cnLines, totals, nil
}

// proportion computes part * (numerator/denominator) rounded
// half-to-even in subunits, per spec §4.10 step 3's taxable/tax split.
func proportion(part, numerator, denominator int64) int64 {
	if denominator == 0 {
		return 0
	}
	ratio := decimal.NewFromInt(part).Mul(decimal.NewFromInt(numerator)).Div(decimal.NewFromInt(denominator))
	return model.RoundSubunit(ratio)
}

// apportionRefund implements step 5: a Refund splits the credited
// total between restoring customer balance (capped at what the invoice
// actually drew from it) and a cash refund for the remainder; a
// CreditToBalance credit never refunds cash.
func apportionRefund(creditedTotal, appliedCredits int64, creditType types.CreditType) (credited, refunded int64) {
	if creditType == types.CreditTypeCreditToBalance {
		return creditedTotal, 0
	}
	credited = creditedTotal
	if appliedCredits < credited {
		credited = appliedCredits
	}
	if credited < 0 {
		credited = 0
	}
	return credited, creditedTotal - credited
}

// Finalize flips a Draft credit note to Finalized and, atomically,
// credits the customer balance by CreditedAmountCents (a Refund's cash
// portion is dispatched separately through the outbox).
func (e *Engine) Finalize(ctx context.Context, creditNoteID string) (*model.CreditNote, error) {
	var result *model.CreditNote
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		cn, err := e.store.CreditNotes.GetCreditNote(ctx, creditNoteID)
		if err != nil {
			return err
		}
		if cn.Status != types.CreditNoteStatusDraft {
			return ierr.NewError("credit note is not in Draft status").
				WithHintf("id=%s status=%s", cn.ID, cn.Status).Mark(ierr.ErrInvalidArgument)
		}
		cn.Status = types.CreditNoteStatusFinalized
		if err := e.store.CreditNotes.UpdateCreditNote(ctx, cn); err != nil {
			return err
		}

		if cn.CreditedAmountCents > 0 {
			if _, err := e.store.CustomerBalances.CreditBalance(ctx, cn.CustomerID, cn.CreditedAmountCents); err != nil {
				return err
			}
		}
		if cn.RefundedAmountCents > 0 {
			e.publishRefund(ctx, cn)
		}

		result = cn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// publishRefund dispatches a Refund credit note's cash portion through
// the outbox, for whatever payment-processor integration actually
// issues the money back. A nil outbox is a no-op, mirroring C11's own
// optional-outbox wiring.
func (e *Engine) publishRefund(ctx context.Context, cn *model.CreditNote) {
	if e.outbox == nil {
		return
	}
	evt := outbox.Event{
		Type:       outbox.TopicCreditNoteRefunded,
		TenantID:   cn.TenantID,
		ResourceID: cn.ID,
		Payload:    cn,
	}
	if err := e.outbox.Publish(ctx, outbox.TopicCreditNoteRefunded, evt); err != nil {
		e.logger.Errorw("publishing credit note refund event failed", "credit_note_id", cn.ID, "error", err)
	}
}
