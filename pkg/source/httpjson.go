package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

const maxBodySize = 1 << 20

// HTTPJSON fetches a balance from a JSON HTTP endpoint. Header values are
// expanded from the environment, so credentials can stay out of config files.
type HTTPJSON struct {
	spec   model.SourceSpec
	client *http.Client
}

// NewHTTPJSON creates a JSON source. A nil client gets a 30s default.
func NewHTTPJSON(spec model.SourceSpec, client *http.Client) *HTTPJSON {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if spec.Method == "" {
		spec.Method = http.MethodGet
	}
	return &HTTPJSON{spec: spec, client: client}
}

func (h *HTTPJSON) Fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(h.spec.Method), h.spec.URL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.spec.Headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}
	return ExtractField(doc, h.spec.BalanceField)
}

// ExtractField walks a dotted path through decoded JSON and parses the value
// as a decimal. Numeric path segments index arrays, so "data.0.balance"
// reads the balance of the first element. Numbers and numeric strings are
// both accepted.
func ExtractField(doc any, path string) (decimal.Decimal, error) {
	cur := doc
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			switch node := cur.(type) {
			case map[string]any:
				v, ok := node[part]
				if !ok {
					return decimal.Zero, fmt.Errorf("field %q not found in %q", part, path)
				}
				cur = v
			case []any:
				idx, err := strconv.Atoi(part)
				if err != nil || idx < 0 || idx >= len(node) {
					return decimal.Zero, fmt.Errorf("index %q out of range in %q", part, path)
				}
				cur = node[idx]
			default:
				return decimal.Zero, fmt.Errorf("cannot descend into %T at %q", cur, part)
			}
		}
	}

	switch v := cur.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %q is not numeric: %q", path, v)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Zero, fmt.Errorf("field %q has non-numeric type %T", path, cur)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
