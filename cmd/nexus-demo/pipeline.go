package main

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/dshills/nexus/internal/event"
	"github.com/dshills/nexus/internal/logging"
	"github.com/dshills/nexus/internal/loop"
	"github.com/dshills/nexus/internal/property"
	"github.com/dshills/nexus/internal/worker"
)

// Quote is a simulated price update.
type Quote struct {
	Symbol string
	Price  float64
	Change float64 // percent against the previous price
	Time   time.Time
}

// Alert is raised when a quote moves more than the threshold.
type Alert struct {
	Quote     Quote
	Threshold float64
}

// Feed generates quotes on its own worker loop.
type Feed struct {
	*worker.Worker

	// Quotes is emitted on the feed loop for every generated price.
	Quotes *event.Source[Quote]

	interval time.Duration
	prices   map[string]float64
}

func newFeed(interval time.Duration, opts ...worker.Option) *Feed {
	w := worker.New(opts...)
	return &Feed{
		Worker:   w,
		Quotes:   event.SourceOf[Quote](&w.Object, "quotes"),
		interval: interval,
		prices: map[string]float64{
			"AAPL":  180,
			"GOOGL": 140,
			"MSFT":  410,
			"NVDA":  880,
		},
	}
}

// run is the feed worker's entry function. prices is only touched here.
func (f *Feed) run(ctx context.Context, _ *worker.Worker) error {
	for {
		// Sleep gives the feed loop back while waiting for the next tick.
		if err := loop.Sleep(ctx, f.interval); err != nil {
			return err
		}
		now := time.Now()
		for symbol, last := range f.prices {
			price := last * (1 + (rand.Float64()-0.5)*0.04)
			f.prices[symbol] = price
			f.Quotes.Emit(ctx, Quote{
				Symbol: symbol,
				Price:  price,
				Change: (price - last) / last * 100,
				Time:   now,
			})
		}
	}
}

// Processor checks the quotes of one shard of symbols for alerts. It is
// moved to a processing worker, so OnQuote runs on that worker's loop.
type Processor struct {
	event.Object

	// Alerts is emitted for quotes moving more than the threshold.
	Alerts *event.Source[Alert]

	// Processed counts the quotes handled by this processor.
	Processed *property.Property[int]

	shard     uint32
	shards    uint32
	threshold float64
}

func newProcessor(ctx context.Context, shard, shards int, threshold float64, opts ...event.ObjectOption) (*Processor, error) {
	p := &Processor{
		shard:     uint32(shard),
		shards:    uint32(shards),
		threshold: threshold,
	}
	if err := p.Init(ctx, opts...); err != nil {
		return nil, err
	}
	p.Alerts = event.SourceOf[Alert](&p.Object, "alerts")
	p.Processed = property.New(&p.Object, "processed", 0)
	return p, nil
}

func (p *Processor) owns(symbol string) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32()%p.shards == p.shard
}

// OnQuote handles a quote from the feed.
func (p *Processor) OnQuote(ctx context.Context, q Quote) error {
	if !p.owns(q.Symbol) {
		return nil
	}
	if err := p.Processed.Set(ctx, p.Processed.Get()+1); err != nil {
		return err
	}
	if math.Abs(q.Change) >= p.threshold {
		p.Alerts.Emit(ctx, Alert{Quote: q, Threshold: p.threshold})
	}
	return nil
}

// Monitor lives on the main loop and reports what the pipeline produces.
type Monitor struct {
	event.Object

	logger    logging.Logger
	alerts    atomic.Uint64
	processed atomic.Int64

	// Report logs a summary. Calling it from another goroutine runs it on
	// the main loop.
	Report *event.Slot[string]
}

func newMonitor(ctx context.Context, logger logging.Logger, opts ...event.ObjectOption) (*Monitor, error) {
	m := &Monitor{logger: logging.WithComponent(logger, "monitor")}
	if err := m.Init(ctx, opts...); err != nil {
		return nil, err
	}
	m.Report = event.NewSlot(m, (*Monitor).report)
	return m, nil
}

// OnAlert handles an alert from a processor.
func (m *Monitor) OnAlert(_ context.Context, a Alert) error {
	m.alerts.Add(1)
	m.logger.Warn("price alert",
		"symbol", a.Quote.Symbol,
		"price", math.Round(a.Quote.Price*100)/100,
		"change_pct", math.Round(a.Quote.Change*100)/100,
		"threshold_pct", a.Threshold)
	return nil
}

// OnProcessed follows the processed counters of all processors.
func (m *Monitor) OnProcessed(_ context.Context, _ int) error {
	if n := m.processed.Add(1); n%50 == 0 {
		m.logger.Info("quotes processed", "count", n)
	}
	return nil
}

func (m *Monitor) report(_ context.Context, reason string) error {
	m.logger.Info("pipeline summary",
		"reason", reason,
		"processed", m.processed.Load(),
		"alerts", m.alerts.Load())
	return nil
}
