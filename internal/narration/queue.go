package narration

import (
	"context"
	"log/slog"
	"sync"
)

// Sink receives chunks for speech synthesis.
type Sink interface {
	Deliver(ctx context.Context, c Chunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, c Chunk) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, c Chunk) error { return f(ctx, c) }

// QueueConfig configures a Queue.
type QueueConfig struct {
	// MinSentenceRunes merges short sentences before delivery. Default: 12
	MinSentenceRunes int

	Logger *slog.Logger
}

// Queue delivers plans per campaign in the order they were enqueued. A
// plan that is still being filled holds back every later plan of its
// campaign; campaigns do not wait on each other.
type Queue struct {
	sink   Sink
	config QueueConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	campaigns map[string]*campaignQueue
	closed    bool
}

type campaignQueue struct {
	plans   []*Plan
	current *Plan
	running bool
}

// NewQueue creates a queue delivering to sink.
func NewQueue(sink Sink, config QueueConfig) *Queue {
	if config.MinSentenceRunes <= 0 {
		config.MinSentenceRunes = 12
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sink:      sink,
		config:    config,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		campaigns: make(map[string]*campaignQueue),
	}
}

// Enqueue appends a plan behind every plan already enqueued for its
// campaign. It never blocks.
func (q *Queue) Enqueue(p *Plan) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	cq, ok := q.campaigns[p.CampaignID]
	if !ok {
		cq = &campaignQueue{}
		q.campaigns[p.CampaignID] = cq
	}
	cq.plans = append(cq.plans, p)
	if !cq.running {
		cq.running = true
		q.wg.Add(1)
		go q.drain(p.CampaignID, cq)
	}
	return true
}

// Pending returns how many plans of a campaign are waiting or streaming.
func (q *Queue) Pending(campaignID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.campaigns[campaignID]
	if !ok {
		return 0
	}
	n := len(cq.plans)
	if cq.current != nil {
		n++
	}
	return n
}

// Interrupt cancels the plan currently streaming for a campaign. Later
// plans still play.
func (q *Queue) Interrupt(campaignID string) {
	q.mu.Lock()
	var current *Plan
	if cq, ok := q.campaigns[campaignID]; ok {
		current = cq.current
	}
	q.mu.Unlock()
	if current != nil {
		current.Cancel()
	}
}

// Close stops accepting plans and waits for queued plans to finish
// streaming or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) drain(campaignID string, cq *campaignQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(cq.plans) == 0 {
			cq.current = nil
			cq.running = false
			delete(q.campaigns, campaignID)
			q.mu.Unlock()
			return
		}
		p := cq.plans[0]
		cq.plans = cq.plans[1:]
		cq.current = p
		q.mu.Unlock()

		q.stream(p)
	}
}

func (q *Queue) stream(p *Plan) {
	index := 0
	deliver := func(c Chunk) {
		if err := q.sink.Deliver(q.ctx, c); err != nil {
			q.logger.Warn("narration delivery failed",
				slog.String("campaign", p.CampaignID),
				slog.String("turn", p.TurnID),
				slog.Int("chunk", c.Index),
				slog.String("error", err.Error()))
		}
	}

	fragment := -1
	for f := range p.Stream(q.ctx) {
		fragment = f.Seq
		for _, s := range Sentences(f.Text, q.config.MinSentenceRunes) {
			deliver(Chunk{
				CampaignID: p.CampaignID,
				TurnID:     p.TurnID,
				Fragment:   f.Seq,
				Index:      index,
				Kind:       f.Kind,
				Text:       s,
			})
			index++
		}
	}
	deliver(Chunk{
		CampaignID: p.CampaignID,
		TurnID:     p.TurnID,
		Fragment:   fragment,
		Index:      index,
		Kind:       Background,
		Last:       true,
	})
}
