package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/digitalbillionaire/payrollops/internal/models"
)

// LedgerSnapshot is the poller's cached view of the rollout ledger plus
// the aggregate card figures that ship alongside it.
type LedgerSnapshot struct {
	Query     models.LedgerQuery   `json:"-"`
	Rows      []models.RolloutRow  `json:"rows"`
	Total     int                  `json:"total"`
	Stats     *models.RolloutStats `json:"stats,omitempty"`
	FetchedAt time.Time            `json:"fetched_at"`

	// Initial is true until the first fetch for the current query has
	// completed; the dashboard shows its loading indicator only then.
	Initial bool `json:"initial"`
}

type ledgerFetch func(ctx context.Context, q models.LedgerQuery) (*models.RolloutLedgerPage, error)
type statsFetch func(ctx context.Context) (*models.RolloutStats, error)

// Poller refreshes the rollout ledger on a fixed interval so in-flight
// payout progress shows up without a reload. Ticks are skipped while a
// fetch is outstanding, and every fetch carries a monotonic sequence
// number: a late response for an old page can never overwrite a newer
// one.
type Poller struct {
	fetch    ledgerFetch
	stats    statsFetch
	interval time.Duration

	mu       sync.Mutex
	query    models.LedgerQuery
	seq      uint64
	applied  uint64
	inFlight bool
	snap     LedgerSnapshot
	loaded   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPoller(fetch ledgerFetch, stats statsFetch, interval time.Duration) *Poller {
	return &Poller{
		fetch:    fetch,
		stats:    stats,
		interval: interval,
		query:    models.LedgerQuery{}.Normalize(),
		snap:     LedgerSnapshot{Initial: true},
	}
}

// Start launches the background loop. Starting an already-running poller
// is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop cancels the loop and waits for it to drain.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Invalidate drops the cached snapshot so the next Rows call fetches
// fresh data. Called after a commit lands, when every cached
// payout_status is suspect.
func (p *Poller) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	p.snap.Initial = true
}

// Running reports whether the background loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// the first load is the synchronous Rows fetch that started the
	// loop; ticks only keep it fresh
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce issues one silent refresh for the current query, skipping the
// tick entirely if a fetch is still outstanding.
func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.seq++
	seq, q := p.seq, p.query
	p.mu.Unlock()

	p.fetchAndApply(ctx, seq, q)
}

// Rows serves the ledger for the given query. A page or search change
// re-targets the poller and fetches synchronously (the operator is
// waiting); an unchanged query is served from the cache the background
// polls keep warm.
func (p *Poller) Rows(ctx context.Context, q models.LedgerQuery) (*LedgerSnapshot, error) {
	p.mu.Lock()
	if q == p.query && p.loaded {
		snap := p.snap
		p.mu.Unlock()
		return &snap, nil
	}
	p.query = q
	p.loaded = false
	p.snap.Initial = true
	p.seq++
	seq := p.seq
	p.inFlight = true
	p.mu.Unlock()

	if err := p.fetchAndApply(ctx, seq, q); err != nil {
		return nil, err
	}

	p.mu.Lock()
	snap := p.snap
	p.mu.Unlock()
	return &snap, nil
}

func (p *Poller) fetchAndApply(ctx context.Context, seq uint64, q models.LedgerQuery) error {
	page, err := p.fetch(ctx, q)
	var stats *models.RolloutStats
	if err == nil && p.stats != nil {
		if s, serr := p.stats(ctx); serr == nil {
			stats = s
		} else {
			// card figures are cosmetic next to the rows; keep the last ones
			log.Printf("rollout stats refresh failed: %v", serr)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false

	if err != nil {
		// errors never clobber previously displayed rows
		return err
	}
	if seq < p.applied {
		// a newer request already landed; this response lost the race
		return nil
	}
	p.applied = seq
	p.loaded = true
	prevStats := p.snap.Stats
	p.snap = LedgerSnapshot{
		Query:     q,
		Rows:      page.Data,
		Total:     page.Pagination.Total,
		Stats:     stats,
		FetchedAt: time.Now(),
		Initial:   false,
	}
	if stats == nil {
		p.snap.Stats = prevStats
	}
	return nil
}
