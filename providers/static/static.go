// Package static serves rates from a local YAML table. It backs the "internal"
// fallback provider and needs no network access.
package static

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"pulsegrade/taxrates/logger"
	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/providers"

	"github.com/samber/oops"
)

const (
	DefaultName       = "internal"
	DefaultConfidence = 0.85
)

// Provider resolves rates from a Table, reloading the file when it changes
type Provider struct {
	name string
	path string
	now  func() time.Time

	mu      sync.RWMutex
	table   *Table
	modTime time.Time

	poller *providers.Poller
	log    *logger.Logger
}

var (
	_ providers.Provider = (*Provider)(nil)
	_ providers.Closer   = (*Provider)(nil)
)

// New loads the table at cfg.TablePath
func New(cfg models.StaticConfig) (*Provider, error) {
	table, err := LoadTable(cfg.TablePath)
	if err != nil {
		return nil, err
	}
	p := newProvider(cfg.Name, table, cfg.PollInterval)
	p.path = cfg.TablePath
	if info, err := os.Stat(cfg.TablePath); err == nil {
		p.modTime = info.ModTime()
	}
	p.log.Info("loaded %d jurisdictions from %s", len(table.Jurisdictions), cfg.TablePath)
	return p, nil
}

// NewFromTable builds a provider over an in-memory table with no backing file
func NewFromTable(name string, table *Table, pollInterval time.Duration) *Provider {
	return newProvider(name, table, pollInterval)
}

func newProvider(name string, table *Table, pollInterval time.Duration) *Provider {
	if name == "" {
		name = table.Name
	}
	if name == "" {
		name = DefaultName
	}
	p := &Provider{
		name:  name,
		table: table,
		now:   time.Now,
		log:   logger.Named(name),
	}
	p.poller = providers.NewPoller(name, pollInterval, p.pollRates)
	return p
}

func (p *Provider) Name() string { return p.name }

// Reload re-reads the table file if its modification time changed.
// It reports whether a new table was installed.
func (p *Provider) Reload() (bool, error) {
	if p.path == "" {
		return false, nil
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat rate table: %w", err)
	}

	p.mu.RLock()
	unchanged := info.ModTime().Equal(p.modTime)
	p.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	table, err := LoadTable(p.path)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	p.table = table
	p.modTime = info.ModTime()
	p.mu.Unlock()

	p.log.Info("reloaded %d jurisdictions from %s", len(table.Jurisdictions), p.path)
	return true, nil
}

// GetRates returns every matching row in force on the query date
func (p *Provider) GetRates(ctx context.Context, query models.TaxRateQuery) (*models.TaxRateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	date := query.TransactionDate
	if date.IsZero() {
		date = p.now()
	}

	p.mu.RLock()
	table := p.table
	p.mu.RUnlock()

	var rates []models.TaxRate
	for i := range table.Jurisdictions {
		row := &table.Jurisdictions[i]
		if row.matches(query.Address) && row.activeAt(date) && row.appliesTo(query.ProductCategory) {
			rates = append(rates, row.toTaxRate(p.name, table.Confidence, date))
		}
	}
	if len(rates) == 0 {
		return nil, oops.Code("static_no_match").
			With("provider", p.name).
			With("state", query.Address.State).
			Errorf("no jurisdictions in rate table for %s", label(query.Address))
	}

	return models.NewTaxRateResponse(rates, label(query.Address), p.name, table.Confidence), nil
}

// ValidateAddress is not offered; a rate table carries no address data
func (p *Provider) ValidateAddress(ctx context.Context, address models.Address) (*models.AddressValidationResult, error) {
	return nil, fmt.Errorf("%s address validation: %w", p.name, providers.ErrNotSupported)
}

// GetRateHistory returns every matching row in force at some point in [from, to], oldest first
func (p *Provider) GetRateHistory(ctx context.Context, query models.TaxRateQuery, from, to time.Time) ([]models.TaxRate, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("history range end %s is before start %s", to.Format(dateLayout), from.Format(dateLayout))
	}

	p.mu.RLock()
	table := p.table
	p.mu.RUnlock()

	var history []models.TaxRate
	for i := range table.Jurisdictions {
		row := &table.Jurisdictions[i]
		if row.matches(query.Address) && row.appliesTo(query.ProductCategory) && row.overlaps(from, to) {
			history = append(history, row.toTaxRate(p.name, table.Confidence, to))
		}
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].EffectiveDate.Before(history[j].EffectiveDate)
	})
	return history, nil
}

// SubscribeToUpdates polls the table file for changed rates
func (p *Provider) SubscribeToUpdates(ctx context.Context, queries []models.TaxRateQuery, cb providers.UpdateCallback) (string, error) {
	return p.poller.Subscribe(queries, cb)
}

func (p *Provider) UnsubscribeFromUpdates(id string) error {
	return p.poller.Unsubscribe(id)
}

// Poll runs one poll cycle for a subscription immediately
func (p *Provider) Poll(ctx context.Context, id string) error {
	return p.poller.Poll(ctx, id)
}

func (p *Provider) pollRates(ctx context.Context, query models.TaxRateQuery) (*models.TaxRateResponse, error) {
	if _, err := p.Reload(); err != nil {
		p.log.Warn("rate table reload failed, keeping current table: %v", err)
	}
	return p.GetRates(ctx, query)
}

// TestConnection checks the table is loaded and, when file-backed, still readable
func (p *Provider) TestConnection(ctx context.Context) error {
	p.mu.RLock()
	empty := p.table == nil || len(p.table.Jurisdictions) == 0
	p.mu.RUnlock()
	if empty {
		return fmt.Errorf("%s: rate table is empty", p.name)
	}
	if p.path != "" {
		if _, err := os.Stat(p.path); err != nil {
			return fmt.Errorf("%s: rate table unavailable: %w", p.name, err)
		}
	}
	return nil
}

func (p *Provider) GetCapabilities() models.ProviderCapabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]bool)
	var countries, categories []string
	for _, row := range p.table.Jurisdictions {
		c := strings.ToUpper(row.Match.Country)
		if c == "" {
			c = "US"
		}
		if !seen["country:"+c] {
			seen["country:"+c] = true
			countries = append(countries, c)
		}
		for _, cat := range row.Categories {
			if !seen["category:"+cat] {
				seen["category:"+cat] = true
				categories = append(categories, cat)
			}
		}
	}

	return models.ProviderCapabilities{
		RealTime:            false,
		History:             true,
		Webhooks:            false,
		SupportedCountries:  countries,
		SupportedCategories: categories,
	}
}

func (p *Provider) GetConfig() models.ProviderConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return models.ProviderConfig{
		Name: p.name,
		Settings: map[string]any{
			"tablePath":     p.path,
			"jurisdictions": len(p.table.Jurisdictions),
			"confidence":    p.table.Confidence,
		},
	}
}

// Close stops subscription polling
func (p *Provider) Close() error {
	return p.poller.Close()
}

func label(a models.Address) string {
	city := strings.ToLower(strings.TrimSpace(a.City))
	state := strings.ToLower(strings.TrimSpace(a.State))
	switch {
	case city == "":
		return state
	case state == "":
		return city
	default:
		return city + ", " + state
	}
}
