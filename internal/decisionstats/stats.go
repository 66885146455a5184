// Package decisionstats ships admission decisions to a best-effort sink.
// Nothing here can slow down or fail an admission: events are queued and
// dropped when the queue is full or the sink errors.
package decisionstats

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
)

// Event is one admission decision.
type Event struct {
	Client    string
	Operation string
	Allowed   bool
	// Rule is the violated rule's text, empty when allowed.
	Rule string
	At   time.Time
}

type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Observer is told about dropped events and sink errors.
type Observer interface {
	IncStatsDropped()
	IncStatsError()
}

type AsyncOptions struct {
	QueueSize int
	// RecordTimeout bounds a single Record call.
	RecordTimeout time.Duration
	Observer      Observer
	Logger        log.Logger
}

// Async feeds a Recorder from a bounded queue on one goroutine.
type Async struct {
	rec     Recorder
	queue   chan Event
	timeout time.Duration
	obs     Observer
	logger  log.Logger

	errOnce sync.Once
	done    chan struct{}
}

// NewAsync starts the dispatch goroutine. It drains what is queued and
// exits when ctx is cancelled; Done is closed after that.
func NewAsync(ctx context.Context, rec Recorder, opts AsyncOptions) *Async {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	a := &Async{
		rec:     rec,
		queue:   make(chan Event, opts.QueueSize),
		timeout: opts.RecordTimeout,
		obs:     opts.Observer,
		logger:  opts.Logger,
		done:    make(chan struct{}),
	}
	go a.run(ctx)
	return a
}

// Offer queues ev without blocking and reports whether it was accepted.
func (a *Async) Offer(ev Event) bool {
	select {
	case a.queue <- ev:
		return true
	default:
		if a.obs != nil {
			a.obs.IncStatsDropped()
		}
		return false
	}
}

func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case ev := <-a.queue:
			a.record(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-a.queue:
					a.record(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) record(ev Event) {
	// the dispatch context may already be cancelled while draining
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.rec.Record(ctx, ev); err != nil {
		if a.obs != nil {
			a.obs.IncStatsError()
		}
		a.errOnce.Do(func() {
			a.logger.Warn(ctx, "decision stats sink failing, further errors are only counted", "error", err)
		})
	}
}
