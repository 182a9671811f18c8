package model

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/shopspring/decimal"

	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
)

// jsonValue and jsonScan back every composite column's driver.Valuer/
// sql.Scanner pair below, grounded on the teacher's pre-ent JSONB
// columns (e.g. plan version's phase/entitlement blobs): marshal to
// JSON on the way in, unmarshal on the way out, nil/empty is a no-op.
func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("marshaling JSONB column").Mark(ierr.ErrSerde)
	}
	return b, nil
}

func jsonScan(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return ierr.NewError("unsupported JSONB source type").
			WithHintf("type=%T", value).
			Mark(ierr.ErrSerde)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return ierr.WithError(err).WithHint("unmarshaling JSONB column").Mark(ierr.ErrSerde)
	}
	return nil
}

func (f SubscriptionFee) Value() (driver.Value, error)  { return jsonValue(f) }
func (f *SubscriptionFee) Scan(value interface{}) error { return jsonScan(value, f) }

func (d ScheduledEventData) Value() (driver.Value, error)  { return jsonValue(d) }
func (d *ScheduledEventData) Scan(value interface{}) error { return jsonScan(value, d) }

func (p PartySnapshot) Value() (driver.Value, error)  { return jsonValue(p) }
func (p *PartySnapshot) Scan(value interface{}) error { return jsonScan(value, p) }

// TaxBreakdownRows is the JSONB-backed column type for Invoice.TaxBreakdown.
type TaxBreakdownRows []TaxBreakdownRow

func (r TaxBreakdownRows) Value() (driver.Value, error)  { return jsonValue(r) }
func (r *TaxBreakdownRows) Scan(value interface{}) error { return jsonScan(value, r) }

// AppliedCouponDetails is the JSONB-backed column type for Invoice.Coupons.
type AppliedCouponDetails []AppliedCouponDetail

func (d AppliedCouponDetails) Value() (driver.Value, error)  { return jsonValue(d) }
func (d *AppliedCouponDetails) Scan(value interface{}) error { return jsonScan(value, d) }

// InvoiceLineItems is the JSONB-backed column type for Invoice.LineItems.
type InvoiceLineItems []LineItem

func (l InvoiceLineItems) Value() (driver.Value, error)  { return jsonValue(l) }
func (l *InvoiceLineItems) Scan(value interface{}) error { return jsonScan(value, l) }

// CreditNoteLineItems is the JSONB-backed column type for CreditNote.LineItems.
type CreditNoteLineItems []CreditNoteLineItem

func (l CreditNoteLineItems) Value() (driver.Value, error)  { return jsonValue(l) }
func (l *CreditNoteLineItems) Scan(value interface{}) error { return jsonScan(value, l) }

// RateMap is the JSONB-backed column type for HistoricalRate.Rates.
type RateMap map[string]decimal.Decimal

func (r RateMap) Value() (driver.Value, error)  { return jsonValue(r) }
func (r *RateMap) Scan(value interface{}) error { return jsonScan(value, r) }
