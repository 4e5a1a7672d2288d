package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// Entry is the configured form of a service, shared by the main config file
// and standalone catalog files.
type Entry struct {
	Key              string            `yaml:"key" mapstructure:"key"`
	Name             string            `yaml:"name" mapstructure:"name"`
	Mode             string            `yaml:"mode" mapstructure:"mode"`
	Currency         string            `yaml:"currency" mapstructure:"currency"`
	Enabled          *bool             `yaml:"enabled" mapstructure:"enabled"`
	Threshold        float64           `yaml:"threshold" mapstructure:"threshold"`
	MonthlyFee       float64           `yaml:"monthly_fee" mapstructure:"monthly_fee"`
	DueDay           int               `yaml:"due_day" mapstructure:"due_day"`
	RemindDaysBefore int               `yaml:"remind_days_before" mapstructure:"remind_days_before"`
	DailyRate        float64           `yaml:"daily_rate" mapstructure:"daily_rate"`
	Source           *model.SourceSpec `yaml:"source" mapstructure:"source"`
}

// Catalog is the top-level layout of a service catalog file.
type Catalog struct {
	Services []Entry `yaml:"services"`
}

// IsEnabled reports whether the entry should be registered. Entries are
// enabled unless explicitly switched off.
func (e Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ToService converts the entry into a validated service.
func (e Entry) ToService() (model.Service, error) {
	mode := model.TrackingMode(strings.ToLower(e.Mode))
	if mode == "" {
		mode = model.ModeManual
		if e.Source != nil {
			mode = model.ModeAPI
		}
	}
	currency := strings.ToUpper(e.Currency)
	if currency == "" {
		currency = "USD"
	}

	svc := model.Service{
		Key:              e.Key,
		Name:             e.Name,
		Mode:             mode,
		Currency:         currency,
		Threshold:        decimal.NewFromFloat(e.Threshold),
		MonthlyFee:       decimal.NewFromFloat(e.MonthlyFee),
		DueDay:           e.DueDay,
		RemindDaysBefore: e.RemindDaysBefore,
		DailyRate:        decimal.NewFromFloat(e.DailyRate),
		Source:           e.Source,
	}
	if err := svc.Validate(); err != nil {
		return model.Service{}, err
	}
	return svc, nil
}

// LoadCatalog reads a YAML service catalog file.
func LoadCatalog(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(cat.Services) == 0 {
		return nil, fmt.Errorf("catalog %s: no services defined", path)
	}
	return cat.Services, nil
}

// Build registers every enabled entry and returns the resulting registry.
func Build(entries []Entry) (*Registry, error) {
	r := New()
	for _, e := range entries {
		if !e.IsEnabled() {
			continue
		}
		svc, err := e.ToService()
		if err != nil {
			return nil, err
		}
		if err := r.Register(svc); err != nil {
			return nil, err
		}
	}
	return r, nil
}
