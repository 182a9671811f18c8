package usage

import (
	"context"
	"database/sql"

	chdriver "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"

	"github.com/meteroid-oss/meteroid-sub001/internal/billing/model"
	ierr "github.com/meteroid-oss/meteroid-sub001/internal/errors"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
)

// ClickHouseClient is C3's production implementation: it queries a
// time-windowed OLAP table keyed by tenant, customer, metric id and the
// metric's group-by dimensions, per spec §6.
type ClickHouseClient struct {
	conn   chdriver.Conn
	logger *logger.Logger
}

func NewClickHouseClient(conn chdriver.Conn, logger *logger.Logger) *ClickHouseClient {
	return &ClickHouseClient{conn: conn, logger: logger}
}

// FetchUsage implements Client. The query aggregates feature_usage rows
// (or whatever OLAP table backs the tenant's metrics) within
// [period.Start, period.End), grouped by the metric's usage_group_key
// dimensions, so matrix-priced metrics still group by their non-matrix
// keys.
func (c *ClickHouseClient) FetchUsage(ctx context.Context, tenantID, customerID string, metric Metric, period model.Period) (*Data, error) {
	query := buildUsageQuery(metric)

	rows, err := c.conn.Query(ctx, query, tenantID, customerID, metric.ID, period.Start, period.End)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("failed to query usage for metric %s", metric.ID).
			Mark(ierr.ErrSystem)
	}
	defer rows.Close()

	result := &Data{Period: period}
	for rows.Next() {
		var value float64
		dims := make(map[string]string, len(metric.UsageGroupKey))
		scanTargets := make([]any, 0, len(metric.UsageGroupKey)+1)
		scanTargets = append(scanTargets, &value)
		values := make([]string, len(metric.UsageGroupKey))
		for i := range metric.UsageGroupKey {
			scanTargets = append(scanTargets, &values[i])
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
		}
		for i, key := range metric.UsageGroupKey {
			dims[key] = values[i]
		}

		dv := decimal.NewFromFloat(value)
		if err := ValidateUsageValue(dv); err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, GroupedUsageData{
			Value:      ApplyUnitConversion(dv, metric),
			Dimensions: dims,
		})
	}
	if err := rows.Err(); err != nil {
		if err == sql.ErrNoRows {
			return result, nil
		}
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}
	return result, nil
}

func buildUsageQuery(metric Metric) string {
	groupCols := ""
	for _, key := range metric.UsageGroupKey {
		groupCols += ", " + key
	}
	return `
		SELECT sum(qty_total) AS value` + groupCols + `
		FROM feature_usage
		WHERE tenant_id = ?
		  AND customer_id = ?
		  AND feature_id = ?
		  AND timestamp >= ?
		  AND timestamp < ?
		GROUP BY tuple(` + trimLeadingComma(groupCols) + `)
	`
}

func trimLeadingComma(s string) string {
	if len(s) > 2 && s[:2] == ", " {
		return s[2:]
	}
	return s
}
