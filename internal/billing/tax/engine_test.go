package tax

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// TestResolve_E5_EUReverseCharge validates spec §8's E5 scenario.
func TestResolve_E5_EUReverseCharge(t *testing.T) {
	lines := []model.LineItem{{AmountSubtotal: 10000}}
	in := Input{
		Variant: types.TaxEngineMeteroidEuVat,
		Customer: CustomerProfile{
			Country: "DE", VATNumber: "DE123456789", VATNumberFormatValid: true,
		},
		Entity:      InvoicingEntityProfile{Country: "FR"},
		Rates:       DefaultEUVATRates,
		InvoiceDate: time.Now(),
	}

	out, err := Resolve(lines, in)
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.TaxAmount)
	require.Len(t, out.TaxBreakdown, 1)
	assert.Equal(t, "Exempt", out.TaxBreakdown[0].TaxName)
	assert.Equal(t, int64(10000), out.Lines[0].AmountTotal)
}

func TestResolve_DomesticVATApplies(t *testing.T) {
	lines := []model.LineItem{{AmountSubtotal: 10000}}
	in := Input{
		Variant:  types.TaxEngineMeteroidEuVat,
		Customer: CustomerProfile{Country: "FR"},
		Entity:   InvoicingEntityProfile{Country: "FR"},
		Rates:    DefaultEUVATRates,
	}
	out, err := Resolve(lines, in)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), out.TaxAmount)
	assert.Equal(t, int64(12000), out.Lines[0].AmountTotal)
}

func TestResolve_ManualExempt(t *testing.T) {
	lines := []model.LineItem{{AmountSubtotal: 5000}}
	in := Input{
		Variant:  types.TaxEngineManual,
		Customer: CustomerProfile{TaxExempt: true},
	}
	out, err := Resolve(lines, in)
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.TaxAmount)
}

func TestResolve_ManualAppliesCustomRate(t *testing.T) {
	lines := []model.LineItem{{AmountSubtotal: 5000}}
	rate := decimal.NewFromInt(8)
	in := Input{
		Variant:  types.TaxEngineManual,
		Customer: CustomerProfile{ManualTaxRate: &rate},
	}
	out, err := Resolve(lines, in)
	require.NoError(t, err)
	assert.Equal(t, int64(400), out.TaxAmount)
}

func TestResolve_CustomTaxRuleOverridesEngine(t *testing.T) {
	productID := "prod1"
	lines := []model.LineItem{{AmountSubtotal: 10000, ProductID: &productID}}
	in := Input{
		Variant:  types.TaxEngineMeteroidEuVat,
		Customer: CustomerProfile{Country: "US", Region: "CA"},
		Entity:   InvoicingEntityProfile{Country: "US"},
		Rates:    DefaultEUVATRates,
		ProductTaxRules: map[string][]CustomTaxRule{
			"prod1": {
				{Country: "US", TaxName: "Federal", TaxRate: decimal.NewFromInt(5)},
				{Country: "US", Region: strPtr("CA"), TaxName: "Federal", TaxRate: decimal.NewFromInt(7)},
			},
		},
	}
	out, err := Resolve(lines, in)
	require.NoError(t, err)
	require.Len(t, out.Lines[0].TaxDetails, 1)
	assert.Equal(t, int64(700), out.TaxAmount)
}

func strPtr(s string) *string { return &s }
