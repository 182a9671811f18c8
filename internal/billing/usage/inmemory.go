package usage

import (
	"context"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
)

// InMemoryClient is a fixture-driven Client for tests and the cmd/
// demonstration harness: it answers with whatever rows were seeded for a
// (metric, period), and fails with ErrValueNotFound for unseeded
// metrics, matching spec §4.3's "Missing metric => fails with
// ValueNotFound".
type InMemoryClient struct {
	Rows map[string][]GroupedUsageData
}

func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{Rows: map[string][]GroupedUsageData{}}
}

func (c *InMemoryClient) Seed(metricID string, rows []GroupedUsageData) {
	c.Rows[metricID] = rows
}

func (c *InMemoryClient) FetchUsage(_ context.Context, _, _ string, metric Metric, period model.Period) (*Data, error) {
	rows, ok := c.Rows[metric.ID]
	if !ok {
		return nil, ierr.WithError(ierr.ErrValueNotFound).
			WithHintf("metric %s has no usage data", metric.ID).
			Mark(ierr.ErrValueNotFound)
	}
	converted := make([]GroupedUsageData, len(rows))
	for i, r := range rows {
		if err := ValidateUsageValue(r.Value); err != nil {
			return nil, err
		}
		converted[i] = GroupedUsageData{
			Value:      ApplyUnitConversion(r.Value, metric),
			Dimensions: r.Dimensions,
		}
	}
	return &Data{Period: period, Rows: converted}, nil
}
