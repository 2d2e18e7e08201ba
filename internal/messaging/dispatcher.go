package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

var (
	// ErrQueueFull is returned when the outbound buffer has no room.
	ErrQueueFull = errors.New("messaging: dispatch queue full")
	// ErrDispatcherClosed is returned after Close.
	ErrDispatcherClosed = errors.New("messaging: dispatcher closed")
)

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers int
	Buffer  int
	// RatePerSecond caps sends across all workers; 0 means unlimited.
	RatePerSecond float64
	SendTimeout   time.Duration
}

// Dispatcher sends messages asynchronously so transitions never wait on
// the SMS provider. Failures are logged and counted, not retried beyond
// what the gateway does itself.
type Dispatcher struct {
	gateway Gateway
	cfg     DispatcherConfig
	limiter *rate.Limiter
	metrics *metrics.RecallMetrics
	logger  *logging.Logger

	mu      sync.RWMutex
	jobs    chan Message
	closed  bool
	started bool
	group   *errgroup.Group

	hookMu sync.RWMutex
	hooks  []func(Message, DeliveryReceipt, error)
}

func NewDispatcher(gateway Gateway, cfg DispatcherConfig, m *metrics.RecallMetrics, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Workers)
	}
	return &Dispatcher{
		gateway: gateway,
		cfg:     cfg,
		limiter: limiter,
		metrics: m,
		logger:  logger,
		jobs:    make(chan Message, cfg.Buffer),
	}
}

// OnResult registers a callback run after every send attempt.
func (d *Dispatcher) OnResult(fn func(Message, DeliveryReceipt, error)) {
	if fn == nil {
		return
	}
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Start launches the workers. They stop when ctx is cancelled or Close is
// called and the buffer has drained.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	d.group = g
}

// Enqueue hands msg to the pool without blocking.
func (d *Dispatcher) Enqueue(msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.jobs <- msg:
		return nil
	default:
		d.metrics.ObserveOutbound(string(msg.Kind), "dropped")
		d.logger.Error("messaging: dispatch queue full, message dropped", "patient_id", msg.PatientID, "kind", msg.Kind)
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	g := d.group
	d.mu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.jobs:
			if !ok {
				return
			}
			d.send(ctx, msg)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, msg Message) {
	if err := d.limiter.Wait(ctx); err != nil {
		d.finish(msg, DeliveryReceipt{}, err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	receipt, err := d.gateway.Send(sendCtx, msg)
	d.finish(msg, receipt, err)
}

func (d *Dispatcher) finish(msg Message, receipt DeliveryReceipt, err error) {
	if err != nil {
		d.metrics.ObserveOutbound(string(msg.Kind), "failed")
		d.logger.Error("messaging: send failed", "patient_id", msg.PatientID, "kind", msg.Kind, "error", err)
	} else {
		d.metrics.ObserveOutbound(string(msg.Kind), "sent")
	}
	d.hookMu.RLock()
	hooks := append(([]func(Message, DeliveryReceipt, error))(nil), d.hooks...)
	d.hookMu.RUnlock()
	for _, h := range hooks {
		h(msg, receipt, err)
	}
}
