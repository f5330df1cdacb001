// Package narration holds the narration plan a turn produces and streams
// it, sentence by sentence, to the voice layer in campaign order.
package narration

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"
)

// Kind says whether a fragment must be ready within the latency target.
type Kind string

const (
	Immediate  Kind = "immediate"
	Background Kind = "background"
)

// Fragment is one piece of narration.
type Fragment struct {
	Seq   int    `json:"seq"`
	Depth int    `json:"depth"`
	Kind  Kind   `json:"kind"`
	Text  string `json:"text"`

	// Source names what produced the fragment, e.g. "resolver",
	// "template", "effect:<id>" or "abort".
	Source string `json:"source,omitempty"`

	At time.Time `json:"at"`
}

// Plan is the ordered narration for one turn. It is filled while the turn
// runs and may already be streaming before it is complete. The first
// fragment added is the immediate one; later fragments are background and
// must arrive in non-decreasing depth.
type Plan struct {
	TurnID     string `json:"turn_id"`
	CampaignID string `json:"campaign_id"`

	mu        sync.Mutex
	fragments []Fragment
	consumed  int
	complete  bool
	cancelled bool
	degraded  bool
	aborted   bool
	sources   []string
	update    chan struct{}
	done      chan struct{}
	now       func() time.Time
}

// NewPlan creates an empty plan for a turn.
func NewPlan(campaignID, turnID string) *Plan {
	return &Plan{
		TurnID:     turnID,
		CampaignID: campaignID,
		update:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Add appends a fragment and returns it with its sequence and kind set.
// Fragments from a shallower depth than the last one are placed at the
// last depth so delivery stays in depth order. Empty text is ignored.
func (p *Plan) Add(depth int, text, source string) (Fragment, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Fragment{}, false
	}

	p.mu.Lock()
	if p.complete {
		p.mu.Unlock()
		return Fragment{}, false
	}
	f := Fragment{
		Seq:    len(p.fragments),
		Depth:  depth,
		Kind:   Background,
		Text:   text,
		Source: source,
		At:     p.now(),
	}
	if f.Seq == 0 {
		f.Kind = Immediate
	} else if last := p.fragments[f.Seq-1].Depth; f.Depth < last {
		f.Depth = last
	}
	p.fragments = append(p.fragments, f)
	p.mu.Unlock()

	p.signal()
	return f, true
}

// Close marks the plan complete. Streams end once they have delivered
// every fragment.
func (p *Plan) Close() {
	p.mu.Lock()
	if p.complete {
		p.mu.Unlock()
		return
	}
	p.complete = true
	close(p.done)
	p.mu.Unlock()
	p.signal()
}

// Cancel stops streaming. Fragments already delivered stay delivered.
func (p *Plan) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.Close()
	p.signal()
}

// Done is closed when the plan is complete.
func (p *Plan) Done() <-chan struct{} { return p.done }

// MarkDegraded records that some narration fell back to templates.
func (p *Plan) MarkDegraded() {
	p.mu.Lock()
	p.degraded = true
	p.mu.Unlock()
}

// MarkAborted records that the turn's commit failed.
func (p *Plan) MarkAborted() {
	p.mu.Lock()
	p.aborted = true
	p.mu.Unlock()
}

// AddSources records knowledge citations for debug output, keeping at
// most five.
func (p *Plan) AddSources(sources ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range sources {
		if len(p.sources) >= 5 {
			return
		}
		p.sources = append(p.sources, s)
	}
}

// Degraded reports whether the plan holds templated narration.
func (p *Plan) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Aborted reports whether the turn was aborted.
func (p *Plan) Aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// Sources returns the recorded citations.
func (p *Plan) Sources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sources...)
}

// Fragments returns the fragments added so far.
func (p *Plan) Fragments() []Fragment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fragment(nil), p.fragments...)
}

// Immediate returns the first fragment, if any.
func (p *Plan) Immediate() (Fragment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fragments) == 0 {
		return Fragment{}, false
	}
	return p.fragments[0], true
}

// Len returns the number of fragments added so far.
func (p *Plan) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fragments)
}

// Text joins every fragment with spaces.
func (p *Plan) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := make([]string, len(p.fragments))
	for i, f := range p.fragments {
		parts[i] = f.Text
	}
	return strings.Join(parts, " ")
}

// Stream yields fragments in order as they are added, ending when the
// plan is complete and drained, cancelled, or ctx is done. A plan has a
// single streaming consumer.
func (p *Plan) Stream(ctx context.Context) iter.Seq[Fragment] {
	return func(yield func(Fragment) bool) {
		for {
			p.mu.Lock()
			if p.cancelled {
				p.mu.Unlock()
				return
			}
			if p.consumed < len(p.fragments) {
				f := p.fragments[p.consumed]
				p.consumed++
				p.mu.Unlock()
				if !yield(f) {
					return
				}
				continue
			}
			if p.complete {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()

			select {
			case <-p.update:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Plan) signal() {
	select {
	case p.update <- struct{}{}:
	default:
	}
}
