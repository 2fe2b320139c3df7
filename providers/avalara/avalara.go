// Package avalara implements the rate provider contract over the AvaTax REST v2 API.
package avalara

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"pulsegrade/taxrates/httpclient"
	"pulsegrade/taxrates/logger"
	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/providers"

	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

const (
	// DefaultName is the registry name used when none is configured
	DefaultName = "avalara"

	SandboxURL    = "https://sandbox-rest.avatax.com"
	ProductionURL = "https://rest.avatax.com"

	// RateConfidence is assigned to every rate component AvaTax returns
	RateConfidence = 0.98

	clientHeader       = "pulsegrade-taxrates; 1.0; Go; 1.0; "
	maxHistorySamples  = 12
	defaultCompanyCode = "DEFAULT"
)

// Provider talks to AvaTax through the shared resilient client
type Provider struct {
	name       string
	cfg        models.AvalaraConfig
	baseURL    string
	authHeader string
	client     *httpclient.Client
	limiter    *rate.Limiter
	poller     *providers.Poller
	now        func() time.Time

	mu         sync.RWMutex
	timeout    time.Duration
	maxRetries int

	log *logger.Logger
}

var (
	_ providers.Provider     = (*Provider)(nil)
	_ providers.Configurable = (*Provider)(nil)
	_ providers.Closer       = (*Provider)(nil)
)

// New creates an AvaTax provider. client is shared so breakers are per origin, not per provider.
func New(cfg models.AvalaraConfig, client *httpclient.Client) (*Provider, error) {
	if cfg.AccountID == "" || cfg.LicenseKey == "" {
		return nil, fmt.Errorf("avalara: accountId and licenseKey are required")
	}
	if client == nil {
		return nil, fmt.Errorf("avalara: http client is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = SandboxURL
		if strings.EqualFold(cfg.Environment, "production") {
			baseURL = ProductionURL
		}
	}
	if cfg.CompanyCode == "" {
		cfg.CompanyCode = defaultCompanyCode
	}

	timeout, retries := client.Defaults()
	p := &Provider{
		name:       DefaultName,
		cfg:        cfg,
		baseURL:    baseURL,
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.AccountID+":"+cfg.LicenseKey)),
		client:     client,
		limiter:    newLimiter(cfg.RateLimit),
		now:        time.Now,
		timeout:    timeout,
		maxRetries: retries,
		log:        logger.Named(DefaultName),
	}
	p.poller = providers.NewPoller(p.name, cfg.PollInterval, p.GetRates)
	return p, nil
}

// newLimiter converts a per-minute request allowance into a token bucket; 0 disables limiting
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := perMinute / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)
}

func (p *Provider) Name() string { return p.name }

// SetTimeout changes the per-attempt timeout used for AvaTax calls
func (p *Provider) SetTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.timeout = d
	}
}

// SetMaxRetries changes the retry count used for AvaTax calls
func (p *Provider) SetMaxRetries(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n >= 0 {
		p.maxRetries = n
	}
}

// GetRates creates an uncommitted SalesOrder for a single $100 line and reads the
// per-jurisdiction summary back as rate components.
func (p *Provider) GetRates(ctx context.Context, query models.TaxRateQuery) (*models.TaxRateResponse, error) {
	date := query.TransactionDate
	if date.IsZero() {
		date = p.now()
	}

	req := createTransactionRequest{
		Type:         "SalesOrder",
		CompanyCode:  p.cfg.CompanyCode,
		Date:         date.Format("2006-01-02"),
		CustomerCode: "ANONYMOUS",
		Addresses:    addressesModel{SingleLocation: toAddressInfo(query.Address)},
		Lines: []lineItem{{
			Number:   "1",
			Quantity: 1,
			Amount:   100,
			TaxCode:  query.ProductCategory,
		}},
	}
	if query.CustomerType != "" {
		req.CustomerCode = query.CustomerType
		if strings.EqualFold(query.CustomerType, "exempt") {
			req.EntityUseCode = "E"
		}
	}

	var resp transactionResponse
	if err := p.post(ctx, "/api/v2/transactions/create", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Summary) == 0 {
		return nil, oops.Code("avalara_empty_summary").
			With("provider", p.name).
			Errorf("avalara returned no jurisdiction summary for %s", label(query.Address))
	}

	rates := make([]models.TaxRate, 0, len(resp.Summary))
	for _, s := range resp.Summary {
		r := models.TaxRate{
			Jurisdiction:     s.JurisName,
			JurisdictionType: jurisdictionType(s.JurisType),
			Rate:             percent(s.Rate),
			EffectiveDate:    date,
			Active:           true,
			Source:           p.name,
			Confidence:       RateConfidence,
		}
		if query.ProductCategory != "" {
			r.ProductCategories = []string{query.ProductCategory}
		}
		rates = append(rates, r)
	}

	return models.NewTaxRateResponse(rates, label(query.Address), p.name, RateConfidence), nil
}

// ValidateAddress resolves the address and scores it by resolution quality
func (p *Provider) ValidateAddress(ctx context.Context, address models.Address) (*models.AddressValidationResult, error) {
	req := resolveRequest{addressInfo: toAddressInfo(address), TextCase: "Mixed"}

	var resp resolveResponse
	if err := p.post(ctx, "/api/v2/addresses/resolve", req, &resp); err != nil {
		return nil, err
	}

	warnings, errs := qualityNotes(resp.ResolutionQuality)
	for _, m := range resp.Messages {
		text := m.Summary
		if m.Details != "" {
			text = m.Summary + ": " + m.Details
		}
		if strings.EqualFold(m.Severity, "Error") || strings.EqualFold(m.Severity, "Exception") {
			errs = append(errs, text)
		} else {
			warnings = append(warnings, text)
		}
	}

	confidence := confidenceFor(resp.ResolutionQuality)
	result := &models.AddressValidationResult{
		Valid:      len(errs) == 0 && confidence >= 0.5,
		Confidence: confidence,
		Errors:     errs,
		Warnings:   warnings,
		Source:     p.name,
	}

	if len(resp.ValidatedAddresses) > 0 {
		suggested := fromAddressInfo(resp.ValidatedAddresses[0].addressInfo)
		if suggested != normalizedInput(address) {
			result.SuggestedAddress = &suggested
		}
	}
	return result, nil
}

// GetRateHistory samples the rate at monthly dates between from and to (at most 12
// samples) and collapses identical components, keeping the earliest date seen.
func (p *Provider) GetRateHistory(ctx context.Context, query models.TaxRateQuery, from, to time.Time) ([]models.TaxRate, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("avalara: history range end %s is before start %s", to.Format("2006-01-02"), from.Format("2006-01-02"))
	}

	type key struct {
		jurisdiction string
		jtype        models.JurisdictionType
		rate         float64
	}
	seen := make(map[key]int)
	var history []models.TaxRate

	for _, date := range sampleDates(from, to, maxHistorySamples) {
		q := query
		q.TransactionDate = date
		resp, err := p.GetRates(ctx, q)
		if err != nil {
			return nil, oops.Code("avalara_history_failed").
				With("provider", p.name).
				With("date", date.Format("2006-01-02")).
				Wrapf(err, "rate history sample")
		}
		for _, r := range resp.Rates {
			k := key{r.Jurisdiction, r.JurisdictionType, r.Rate}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = len(history)
			history = append(history, r)
		}
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].EffectiveDate.Before(history[j].EffectiveDate)
	})
	return history, nil
}

// sampleDates returns up to max evenly stepped monthly dates within [from, to].
// to is always the last sample.
func sampleDates(from, to time.Time, max int) []time.Time {
	months := (to.Year()-from.Year())*12 + int(to.Month()-from.Month())
	step := 1
	if months+1 > max {
		step = (months + max - 1) / (max - 1)
	}

	var dates []time.Time
	for m := 0; m <= months && len(dates) < max; m += step {
		d := from.AddDate(0, m, 0)
		if d.After(to) {
			break
		}
		dates = append(dates, d)
	}
	if last := dates[len(dates)-1]; last.Before(to) {
		if len(dates) == max {
			dates[max-1] = to
		} else {
			dates = append(dates, to)
		}
	}
	return dates
}

// SubscribeToUpdates polls AvaTax since it offers no rate-change webhooks
func (p *Provider) SubscribeToUpdates(ctx context.Context, queries []models.TaxRateQuery, cb providers.UpdateCallback) (string, error) {
	return p.poller.Subscribe(queries, cb)
}

func (p *Provider) UnsubscribeFromUpdates(id string) error {
	return p.poller.Unsubscribe(id)
}

// TestConnection pings AvaTax and checks the credentials were accepted
func (p *Provider) TestConnection(ctx context.Context) error {
	var resp pingResponse
	if err := p.request(ctx, http.MethodGet, "/api/v2/utilities/ping", nil, &resp); err != nil {
		return err
	}
	if !resp.Authenticated {
		return oops.Code("avalara_unauthenticated").
			With("provider", p.name).
			Errorf("avalara rejected credentials for account %s", mask(p.cfg.AccountID))
	}
	return nil
}

func (p *Provider) GetCapabilities() models.ProviderCapabilities {
	return models.ProviderCapabilities{
		RealTime:           true,
		History:            false,
		Webhooks:           false,
		SupportedCountries: []string{"US", "CA"},
		RateLimit:          p.cfg.RateLimit,
	}
}

// GetConfig reports settings with the license key omitted and the account id masked
func (p *Provider) GetConfig() models.ProviderConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return models.ProviderConfig{
		Name:        p.name,
		Environment: p.cfg.Environment,
		BaseURL:     p.baseURL,
		Timeout:     p.timeout,
		MaxRetries:  p.maxRetries,
		Settings: map[string]any{
			"accountId":    mask(p.cfg.AccountID),
			"companyCode":  p.cfg.CompanyCode,
			"pollInterval": p.cfg.PollInterval.String(),
			"rateLimit":    p.cfg.RateLimit,
		},
	}
}

// Close stops subscription polling
func (p *Provider) Close() error {
	return p.poller.Close()
}

func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	return p.request(ctx, http.MethodPost, path, body, out)
}

func (p *Provider) request(ctx context.Context, method, path string, body, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("avalara rate limiter: %w", err)
	}

	p.mu.RLock()
	opts := httpclient.Options{
		Method:  method,
		Body:    body,
		Timeout: p.timeout,
		Retries: httpclient.IntPtr(p.maxRetries),
		Headers: map[string]string{
			"Authorization":    p.authHeader,
			"X-Avalara-Client": clientHeader,
		},
		OnRetry: func(attempt int, err error) {
			p.log.Debug("retrying %s %s (attempt %d): %v", method, path, attempt, err)
		},
	}
	p.mu.RUnlock()

	if err := p.client.Request(ctx, p.baseURL+path, opts, out); err != nil {
		return oops.Code("avalara_request_failed").
			With("provider", p.name).
			With("endpoint", path).
			Wrapf(err, "avalara %s %s", method, path)
	}
	return nil
}

func toAddressInfo(a models.Address) addressInfo {
	return addressInfo{
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		Region:     strings.TrimSpace(a.State),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    a.CountryOrDefault(),
	}
}

func fromAddressInfo(a addressInfo) models.Address {
	return models.Address{
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

func normalizedInput(a models.Address) models.Address {
	return fromAddressInfo(toAddressInfo(a))
}

// label renders the display jurisdiction, e.g. "austin, tx"
func label(a models.Address) string {
	city := strings.TrimSpace(a.City)
	state := strings.TrimSpace(a.State)
	switch {
	case city == "":
		return state
	case state == "":
		return city
	default:
		return city + ", " + state
	}
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
