// Package source fetches balances of API-backed services.
package source

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Source returns the current balance of one service. Implementations must be
// idempotent and free of side effects.
type Source interface {
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (decimal.Decimal, error)

func (f SourceFunc) Fetch(ctx context.Context) (decimal.Decimal, error) { return f(ctx) }

// FetchError is a failed fetch for one service.
type FetchError struct {
	ServiceKey string
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.ServiceKey, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
