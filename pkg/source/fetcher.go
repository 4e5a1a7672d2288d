package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/iter"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// DefaultTimeout bounds a single fetch when none is configured.
const DefaultTimeout = 15 * time.Second

// Result is the outcome of fetching one service.
type Result struct {
	ServiceKey string
	Amount     decimal.Decimal
	FetchedAt  time.Time
	Err        error // *FetchError when set
}

// Fetcher fetches many sources concurrently, each under its own timeout.
type Fetcher struct {
	mu      sync.RWMutex
	sources map[string]Source
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewFetcher creates a fetcher with a per-source timeout.
func NewFetcher(timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		sources: make(map[string]Source),
		timeout: timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Add registers the source of a service, replacing any existing one.
func (f *Fetcher) Add(serviceKey string, src Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[serviceKey] = src
}

// AddServices registers an HTTPJSON source for every API-backed service.
func (f *Fetcher) AddServices(services []model.Service, client *http.Client) {
	for _, svc := range services {
		if svc.Mode != model.ModeAPI || svc.Source == nil {
			continue
		}
		f.Add(svc.Key, NewHTTPJSON(*svc.Source, client))
	}
}

// FetchAll fetches the given services concurrently and returns results in
// key order. Errors, timeouts and panics become FetchError results; FetchAll
// itself never fails.
func (f *Fetcher) FetchAll(ctx context.Context, keys []string) []Result {
	return iter.Map(keys, func(key *string) Result {
		return f.fetchOne(ctx, *key)
	})
}

func (f *Fetcher) fetchOne(ctx context.Context, key string) (res Result) {
	res.ServiceKey = key
	defer func() {
		if r := recover(); r != nil {
			res.Err = &FetchError{ServiceKey: key, Err: fmt.Errorf("source panicked: %v", r)}
		}
		if res.Err != nil {
			f.logger.Warn("balance fetch failed", "service", key, "error", res.Err)
		}
	}()

	f.mu.RLock()
	src, ok := f.sources[key]
	f.mu.RUnlock()
	if !ok {
		res.Err = &FetchError{ServiceKey: key, Err: errors.New("no source registered")}
		return res
	}

	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	amount, err := src.Fetch(fctx)
	res.FetchedAt = f.now()
	if err != nil {
		if errors.Is(fctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", f.timeout, err)
		}
		res.Err = &FetchError{ServiceKey: key, Err: err}
		return res
	}
	res.Amount = amount
	return res
}
