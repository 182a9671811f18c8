// Package cache is a read-through TTL cache. Its one caller is the FX
// client (internal/fxrate), which caches each day's rate table; the fee
// resolver and tax engine do not read through it. Grounded on the
// teacher's internal/cache, generalized from its request-scoped entity
// prefixes.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Cache is the read-through contract every resolver in this module
// depends on, never the concrete implementation.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration)
	Delete(ctx context.Context, key string)
	DeleteByPrefix(ctx context.Context, prefix string)
	Flush(ctx context.Context)
}

// Key prefixes per cached entity; only PrefixFxRate has a caller.
const (
	PrefixFeeStructure = "fee_structure:v1:"
	PrefixTaxRate      = "tax_rate:v1:"
	PrefixFxRate       = "fx_rate:v1:"
)

// GenerateKey joins prefix and params with ":", mirroring the teacher's
// own key-building helper.
func GenerateKey(prefix string, params ...interface{}) string {
	parts := make([]string, len(params)+1)
	parts[0] = prefix
	for i, p := range params {
		parts[i+1] = toString(p)
	}
	return strings.Join(parts, ":")
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if t, ok := v.(time.Time); ok {
		return t.Format("2006-01-02")
	}
	return fmt.Sprintf("%v", v)
}
