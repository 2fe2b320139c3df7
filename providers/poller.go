package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pulsegrade/taxrates/logger"
	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/scheduler"

	"github.com/google/uuid"
)

// FetchFunc resolves a single query; providers pass their own GetRates
type FetchFunc func(ctx context.Context, query models.TaxRateQuery) (*models.TaxRateResponse, error)

// Poller emulates rate-change subscriptions for providers without webhooks by
// re-fetching the subscribed queries on an interval and diffing the components.
type Poller struct {
	source   string
	interval time.Duration
	fetch    FetchFunc
	now      func() time.Time

	sched *scheduler.Scheduler
	mu    sync.Mutex
	subs  map[string]*subscription
	log   *logger.Logger
}

type subscription struct {
	mu      sync.Mutex
	queries []models.TaxRateQuery
	cb      UpdateCallback
	// last seen components per query index, keyed by type|jurisdiction
	seen []map[string]models.TaxRate
}

// NewPoller creates a running poller. Close stops every subscription.
func NewPoller(source string, interval time.Duration, fetch FetchFunc) *Poller {
	if interval <= 0 {
		interval = time.Hour
	}
	p := &Poller{
		source:   source,
		interval: interval,
		fetch:    fetch,
		now:      time.Now,
		sched:    scheduler.New(source + ".poller"),
		subs:     make(map[string]*subscription),
		log:      logger.Named(source).Named("poller"),
	}
	p.sched.Start(context.Background())
	return p
}

// Subscribe registers a poll loop for queries and returns its id. The first poll
// records a baseline and emits nothing.
func (p *Poller) Subscribe(queries []models.TaxRateQuery, cb UpdateCallback) (string, error) {
	if len(queries) == 0 {
		return "", fmt.Errorf("subscribe requires at least one query")
	}
	if cb == nil {
		return "", fmt.Errorf("subscribe requires a callback")
	}

	id := uuid.NewString()
	sub := &subscription{
		queries: append([]models.TaxRateQuery(nil), queries...),
		cb:      cb,
		seen:    make([]map[string]models.TaxRate, len(queries)),
	}

	p.mu.Lock()
	p.subs[id] = sub
	p.mu.Unlock()

	err := p.sched.Add(scheduler.Task{
		Name:     id,
		Interval: p.interval,
		Run:      func(ctx context.Context) { p.poll(ctx, sub) },
	})
	if err != nil {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
		return "", err
	}
	p.log.Debug("subscription %s polling %d queries every %s", id, len(queries), p.interval)
	return id, nil
}

// Unsubscribe cancels the poll loop for id
func (p *Poller) Unsubscribe(id string) error {
	p.mu.Lock()
	_, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown subscription %q", id)
	}
	p.sched.Remove(id)
	return nil
}

// Poll runs one poll cycle for id on the caller's goroutine
func (p *Poller) Poll(ctx context.Context, id string) error {
	return p.sched.RunNow(ctx, id)
}

// Subscriptions returns the number of active subscriptions
func (p *Poller) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close stops every poll loop
func (p *Poller) Close() error {
	p.sched.Stop()
	p.mu.Lock()
	p.subs = make(map[string]*subscription)
	p.mu.Unlock()
	for _, name := range p.sched.Names() {
		p.sched.Remove(name)
	}
	return nil
}

func (p *Poller) poll(ctx context.Context, sub *subscription) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	for i, q := range sub.queries {
		resp, err := p.fetch(ctx, q)
		if err != nil {
			p.log.Warn("poll failed for %s: %v", describeQuery(q), err)
			continue
		}

		current := make(map[string]models.TaxRate, len(resp.Rates))
		for _, r := range resp.Rates {
			current[rateKey(r)] = r
		}

		previous := sub.seen[i]
		sub.seen[i] = current
		if previous == nil {
			continue
		}

		for _, r := range resp.Rates {
			old, known := previous[rateKey(r)]
			if known && old.Rate == r.Rate {
				continue
			}
			p.emit(sub, r, old.Rate, r.Rate)
		}
		// components that vanished are announced as dropping to zero
		for key, old := range previous {
			if _, ok := current[key]; !ok {
				p.emit(sub, old, old.Rate, 0)
			}
		}
	}
}

func (p *Poller) emit(sub *subscription, r models.TaxRate, oldRate, newRate float64) {
	sub.cb(models.TaxRateUpdate{
		Jurisdiction:     r.Jurisdiction,
		JurisdictionType: r.JurisdictionType,
		OldRate:          oldRate,
		NewRate:          newRate,
		EffectiveDate:    r.EffectiveDate,
		Source:           p.source,
		ReceivedAt:       p.now(),
	})
}

func rateKey(r models.TaxRate) string {
	return string(r.JurisdictionType) + "|" + strings.ToLower(r.Jurisdiction)
}

func describeQuery(q models.TaxRateQuery) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", q.Address.City, q.Address.State, q.Address.PostalCode))
}
