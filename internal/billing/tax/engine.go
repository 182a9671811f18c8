// Package tax implements C6, the Tax Engine: per-line tax resolution
// across the None/Manual/MeteroidEuVat variants, with product-level
// custom_tax_rules overrides, per spec §4.6.
package tax

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// CustomerProfile is the subset of customer state the engine needs.
type CustomerProfile struct {
	Country              string
	Region                string
	VATNumber             string
	VATNumberFormatValid  bool
	TaxExempt             bool
	ManualTaxRate         *decimal.Decimal
}

// InvoicingEntityProfile is the seller side of a MeteroidEuVat resolution.
type InvoicingEntityProfile struct {
	Country string
}

// CustomTaxRule is one product-level override; Region beats a
// country-only rule of the same TaxName (spec §4.6).
type CustomTaxRule struct {
	Country string
	Region  *string
	TaxName string
	TaxRate decimal.Decimal
}

// RateTable resolves a destination VAT rate for MeteroidEuVat. The
// reference implementation is a static snapshot; a dated table would
// key by (country, effective_date).
type RateTable map[string]decimal.Decimal

// DefaultEUVATRates is a representative snapshot of standard EU VAT
// rates, keyed by ISO 3166-1 alpha-2 country code.
var DefaultEUVATRates = RateTable{
	"FR": decimal.NewFromInt(20),
	"DE": decimal.NewFromInt(19),
	"ES": decimal.NewFromInt(21),
	"IT": decimal.NewFromInt(22),
	"NL": decimal.NewFromInt(21),
	"BE": decimal.NewFromInt(21),
	"IE": decimal.NewFromInt(23),
	"PT": decimal.NewFromInt(23),
	"LU": decimal.NewFromInt(17),
}

var euCountries = map[string]bool{
	"FR": true, "DE": true, "ES": true, "IT": true, "NL": true, "BE": true,
	"IE": true, "PT": true, "LU": true, "AT": true, "SE": true, "FI": true,
	"DK": true, "PL": true, "CZ": true, "RO": true, "BG": true, "HR": true,
	"GR": true, "HU": true, "SK": true, "SI": true, "EE": true, "LV": true,
	"LT": true, "CY": true, "MT": true,
}

// IsEUCountry reports whether code is a recognized EU member state.
func IsEUCountry(code string) bool { return euCountries[code] }

// Input is everything Resolve needs to tax one invoice's lines.
type Input struct {
	Variant          types.TaxEngineVariant
	Customer         CustomerProfile
	Entity           InvoicingEntityProfile
	Rates            RateTable
	ProductTaxRules  map[string][]CustomTaxRule // keyed by product_id
	InvoiceDate      time.Time
	Currency         string
}

// Output is Resolve's result: the mutated lines plus the breakdown
// grouped by (tax_name, tax_rate).
type Output struct {
	Lines        []model.LineItem
	TaxAmount    int64
	TaxBreakdown []model.TaxBreakdownRow
}

// Resolve prices tax across lines and returns the updated set plus an
// invoice-level breakdown. Lines are not mutated in place; the caller
// replaces its slice with Output.Lines.
func Resolve(lines []model.LineItem, in Input) (Output, error) {
	out := Output{Lines: make([]model.LineItem, len(lines))}
	breakdown := map[string]*model.TaxBreakdownRow{}

	for i, line := range lines {
		taxable := line.AmountSubtotal - line.LineShareOfDiscount

		details, err := taxDetailsForLine(line, taxable, in)
		if err != nil {
			return Output{}, err
		}

		var lineTax int64
		for _, d := range details {
			lineTax += d.TaxAmount
			key := d.TaxName + "|" + d.TaxRate.String()
			row, ok := breakdown[key]
			if !ok {
				row = &model.TaxBreakdownRow{TaxName: d.TaxName, TaxRate: d.TaxRate}
				breakdown[key] = row
			}
			row.TaxAmount += d.TaxAmount
		}

		line.TaxableAmount = taxable
		line.TaxDetails = details
		line.TaxAmount = lineTax
		if len(details) > 0 {
			line.TaxRate = details[0].TaxRate
		} else {
			line.TaxRate = decimal.Zero
		}
		line.AmountTotal = taxable + lineTax
		out.Lines[i] = line
		out.TaxAmount += lineTax
	}

	for _, row := range breakdown {
		out.TaxBreakdown = append(out.TaxBreakdown, *row)
	}
	return out, nil
}

// taxDetailsForLine resolves the TaxDetail rows for one line: a
// matching custom_tax_rules override takes priority over the engine
// variant (spec §4.6).
func taxDetailsForLine(line model.LineItem, taxable int64, in Input) ([]model.TaxDetail, error) {
	if line.ProductID != nil {
		if rules, ok := in.ProductTaxRules[*line.ProductID]; ok {
			if details := resolveCustomRules(rules, in.Customer, taxable); details != nil {
				return details, nil
			}
		}
	}

	switch in.Variant {
	case types.TaxEngineNone:
		return nil, nil
	case types.TaxEngineManual:
		return resolveManual(in.Customer, taxable)
	case types.TaxEngineMeteroidEuVat:
		return resolveEUVat(in.Customer, in.Entity, in.Rates, taxable)
	default:
		return nil, ierr.NewError("unknown tax engine variant").
			WithHintf("variant=%s", in.Variant).Mark(ierr.ErrTax)
	}
}

// resolveCustomRules groups rules by TaxName and, within each group,
// prefers a Region-specific match over a country-only one; a group
// with no match for the customer's (country, region) is dropped. Two
// or more surviving groups (e.g. federal + state) expand into
// MultipleTaxes: one TaxDetail each.
func resolveCustomRules(rules []CustomTaxRule, customer CustomerProfile, taxable int64) []model.TaxDetail {
	byName := map[string][]CustomTaxRule{}
	for _, r := range rules {
		if r.Country != customer.Country {
			continue
		}
		byName[r.TaxName] = append(byName[r.TaxName], r)
	}
	if len(byName) == 0 {
		return nil
	}

	var details []model.TaxDetail
	for _, group := range byName {
		best, ok := bestRuleMatch(group, customer.Region)
		if !ok {
			continue
		}
		details = append(details, model.TaxDetail{
			TaxName:   best.TaxName,
			TaxRate:   best.TaxRate,
			TaxAmount: proportionalTax(taxable, best.TaxRate),
		})
	}
	return details
}

func bestRuleMatch(group []CustomTaxRule, region string) (CustomTaxRule, bool) {
	var countryOnly *CustomTaxRule
	for i, r := range group {
		if r.Region != nil && region != "" && *r.Region == region {
			return group[i], true
		}
		if r.Region == nil && countryOnly == nil {
			countryOnly = &group[i]
		}
	}
	if countryOnly != nil {
		return *countryOnly, true
	}
	return CustomTaxRule{}, false
}

func resolveManual(customer CustomerProfile, taxable int64) ([]model.TaxDetail, error) {
	if customer.TaxExempt {
		reason := types.TaxExemptCustomer
		return []model.TaxDetail{{TaxName: "Exempt", TaxRate: decimal.Zero, TaxAmount: 0, ExemptReason: &reason}}, nil
	}
	if customer.ManualTaxRate == nil {
		return nil, ierr.NewError("manual tax engine requires a custom tax rate").Mark(ierr.ErrTax)
	}
	return []model.TaxDetail{{
		TaxName:   "Tax",
		TaxRate:   *customer.ManualTaxRate,
		TaxAmount: proportionalTax(taxable, *customer.ManualTaxRate),
	}}, nil
}

func resolveEUVat(customer CustomerProfile, entity InvoicingEntityProfile, rates RateTable, taxable int64) ([]model.TaxDetail, error) {
	if customer.TaxExempt {
		reason := types.TaxExemptCustomer
		return []model.TaxDetail{{TaxName: "Exempt", TaxRate: decimal.Zero, ExemptReason: &reason}}, nil
	}
	if customer.Country == "" || entity.Country == "" {
		return nil, nil
	}
	if customer.Country != entity.Country && customer.VATNumber != "" && customer.VATNumberFormatValid {
		reason := types.TaxExemptReverseCharge
		return []model.TaxDetail{{TaxName: "Exempt", TaxRate: decimal.Zero, ExemptReason: &reason}}, nil
	}
	rate, ok := rates[customer.Country]
	if !ok {
		return nil, nil
	}
	return []model.TaxDetail{{
		TaxName:   "VAT",
		TaxRate:   rate,
		TaxAmount: proportionalTax(taxable, rate),
	}}, nil
}

// proportionalTax rounds taxable*rate/100 to the nearest subunit using
// round-half-to-even.
func proportionalTax(taxable int64, rate decimal.Decimal) int64 {
	amount := decimal.NewFromInt(taxable).Mul(rate).Div(decimal.NewFromInt(100))
	return model.RoundSubunit(amount)
}
