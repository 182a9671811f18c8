// Command billingctl is a tiny CLI harness that walks one subscription
// through C7 (invoice assembly) and C11 (invoice lifecycle) against an
// in-memory store, for local demonstration and manual smoke-testing.
// It never touches postgres; see internal/store/inmemory.go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/invoice"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/lifecycle"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/lineitem"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/tax"
	"github.com/meteroid-oss/meteroid-sub001/internal/billing/usage"
	"github.com/meteroid-oss/meteroid-sub001/internal/clock"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	"github.com/meteroid-oss/meteroid-sub001/internal/outbox"
	"github.com/meteroid-oss/meteroid-sub001/internal/store"
	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// demoCatalog feeds lifecycle.Engine's RecomputeContext straight from
// the subscription/components built below; a real deployment backs
// this with the subscription/plan-version repositories this harness
// does not have.
type demoCatalog struct {
	sub        model.Subscription
	components []model.SubscriptionComponent
}

func (c demoCatalog) RecomputeContext(ctx context.Context, inv model.Invoice) (lifecycle.RecomputeContext, error) {
	return lifecycle.RecomputeContext{
		Subscription:    c.sub,
		Components:      c.components,
		Coupons:         nil,
		Tax:             tax.Input{Variant: types.TaxEngineNone},
		CustomerDetails: model.PartySnapshot{Name: "Acme Corp", Country: "US"},
		SellerDetails:   model.PartySnapshot{Name: "Meteroid Demo Inc", Country: "US"},
		PlanVersionID:   c.sub.PlanVersionID,
	}, nil
}

func main() {
	log.Println("billingctl: seeding a monthly subscription and walking it through C7/C11")

	logr, err := logger.NewLogger()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFixed(now)

	sub := model.Subscription{
		ID:               "sub_demo",
		TenantID:         "tenant_demo",
		CustomerID:       "cust_demo",
		PlanVersionID:    "plv_demo",
		Currency:         "USD",
		BillingStartDate: now,
		BillingDayAnchor: 1,
		Period:           types.BillingPeriodMonthly,
		Status:           types.SubscriptionStatusActive,
		CycleIndex:       0,
	}

	components := []model.SubscriptionComponent{
		{
			ID:             "comp_seats",
			SubscriptionID: sub.ID,
			Name:           "Seats",
			Period:         types.ComponentPeriodMonthly,
			Fee:            model.NewRateFee(model.RateFee{Rate: decimal.NewFromInt(49)}),
		},
		{
			ID:             "comp_onboarding",
			SubscriptionID: sub.ID,
			Name:           "Onboarding",
			Period:         types.ComponentPeriodOneTime,
			Fee:            model.NewOneTimeFee(model.OneTimeFee{Rate: decimal.NewFromInt(199), Quantity: decimal.NewFromInt(1)}),
		},
	}

	mrr, err := lifecycle.ComputeMrrCents(components, sub.Currency)
	if err != nil {
		log.Fatalf("computing mrr: %v", err)
	}
	fmt.Printf("mrr_cents=%d\n", mrr)

	computer := lineitem.NewComputer(usage.NewInMemoryClient(), noopSlots{}, noopMetrics{}, logr)
	assembler := invoice.NewAssembler(computer, logr)

	// A real deployment computes this initial content when the Draft
	// invoice is first opened for the cycle; this harness does the same
	// one-off compute_invoice call before handing the invoice to C11.
	initial, err := assembler.ComputeInvoice(context.Background(), invoice.Input{
		InvoiceDate:  now,
		Subscription: sub,
		Components:   components,
		Tax:          tax.Input{Variant: types.TaxEngineNone},
	})
	if err != nil {
		log.Fatalf("computing initial invoice content: %v", err)
	}

	draft := &model.Invoice{
		ID:             "inv_demo",
		TenantID:       sub.TenantID,
		CustomerID:     sub.CustomerID,
		Status:         types.InvoiceStatusDraft,
		Currency:       sub.Currency,
		AutoAdvance:    true,
		DueAt:          &now,
		Subtotal:       initial.Content.Subtotal,
		Total:          initial.Content.Total,
		AmountDue:      initial.Content.AmountDue,
		LineItems:      initial.Content.LineItems,
		BaseModel:      types.BaseModel{TenantID: sub.TenantID},
	}

	st := store.NewInMemory()
	st.PutInvoice(draft)

	ob := outbox.NewInMemory(logr)
	defer ob.Close()

	engine := lifecycle.NewEngine(st.AsStore(), assembler, demoCatalog{sub: sub, components: components}, ob, nil, c, logr)

	finalized, err := engine.Finalize(context.Background(), draft.ID)
	if err != nil {
		log.Fatalf("finalizing invoice: %v", err)
	}
	printJSON("finalized invoice", finalized)

	paid, err := engine.MarkPaid(context.Background(), finalized.ID, finalized.AmountDue)
	if err != nil {
		log.Fatalf("marking invoice paid: %v", err)
	}
	printJSON("paid invoice", paid)

	if err := engine.RecordMrrMovement(context.Background(), lifecycle.RecordMrrMovementInput{
		Subscription:  sub,
		PlanVersionID: sub.PlanVersionID,
		MovementType:  types.MrrMovementNewBusiness,
		MrrDeltaCents: mrr,
	}); err != nil {
		log.Fatalf("recording mrr movement: %v", err)
	}

	rows := st.MrrMovements()
	printJSON("mrr movements", rows)
}

func printJSON(label string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("marshaling %s: %v", label, err)
	}
	fmt.Printf("--- %s ---\n%s\n", label, data)
}

// noopSlots/noopMetrics satisfy lineitem.Computer's SlotReader and
// MetricResolver seams for a demo that only exercises Rate/OneTime fees;
// neither kind ever calls into them.
type noopSlots struct{}

func (noopSlots) ActiveCountAt(ctx context.Context, componentID string, at time.Time) (int64, error) {
	return 0, nil
}

type noopMetrics struct{}

func (noopMetrics) ResolveMetric(ctx context.Context, tenantID, metricID string) (usage.Metric, error) {
	return usage.Metric{}, nil
}
