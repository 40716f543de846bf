package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"teamwire/internal/domain"
	"teamwire/internal/metrics"
)

const publishTimeout = 10 * time.Second

// Inbound queues envelopes read from the transport so they are applied one at
// a time, in arrival order, by a single consumer.
type Inbound struct {
	queue   chan domain.Envelope
	timeout time.Duration
	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// NewInbound creates a queue with the given buffer size.
func NewInbound(bufferSize int, logger *slog.Logger) *Inbound {
	return NewInboundWithTimeout(bufferSize, publishTimeout, logger)
}

// NewInboundWithTimeout is NewInbound with a custom wait for a full queue.
func NewInboundWithTimeout(bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbound {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if timeout <= 0 {
		timeout = publishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbound{
		queue:   make(chan domain.Envelope, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Publish enqueues env. Blocks up to the publish timeout if the queue is full;
// after that the envelope is dropped and counted, see TakeDropped.
func (b *Inbound) Publish(env domain.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed inbound queue", "type", env.Type)
		return
	}

	select {
	case b.queue <- env:
	default:
		b.logger.Warn("inbound queue full, waiting", "type", env.Type)
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		select {
		case b.queue <- env:
		case <-timer.C:
			b.dropped.Add(1)
			metrics.EnvelopesDropped.Inc()
			b.logger.Error("envelope dropped: inbound queue full", "type", env.Type, "waited", b.timeout)
		}
	}
}

// TakeDropped returns the number of envelopes dropped since the last call and
// resets the count.
func (b *Inbound) TakeDropped() int64 {
	return b.dropped.Swap(0)
}

// Subscribe returns the receive side of the queue. It is closed by Close.
func (b *Inbound) Subscribe() <-chan domain.Envelope {
	return b.queue
}

func (b *Inbound) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.queue)
	}
}
