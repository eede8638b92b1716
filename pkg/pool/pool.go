// Package pool manages the fixed set of long-lived database client
// processes. Each process holds an expensive backend session, so clients
// are reused across queries and recycled on wear instead of per-call.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/queryweaver/queryweaver/pkg/resilience"
)

var (
	// ErrPoolExhausted means no client became idle within the acquire timeout.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrPoolShuttingDown means the pool no longer accepts acquires.
	ErrPoolShuttingDown = errors.New("pool shutting down")
)

// Client is one pooled database client process.
type Client interface {
	ID() string
	ExecuteSQL(ctx context.Context, sql string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Factory spawns a connected client for a pool slot. The pool calls it at
// initialization and again whenever a slot is recycled.
type Factory func(ctx context.Context, id string) (Client, error)

// Config tunes one pool.
type Config struct {
	Size                 int           `yaml:"size"`
	MaxQueriesPerProcess int           `yaml:"max_queries_per_process"`
	ErrorThreshold       int           `yaml:"error_threshold"`
	AcquireTimeout       time.Duration `yaml:"acquire_timeout"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 5
	}
	if c.MaxQueriesPerProcess <= 0 {
		c.MaxQueriesPerProcess = 500
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 60 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// process is one pool slot's bookkeeping. queries and errors accumulate
// until the slot is recycled.
type process struct {
	id      string
	client  Client
	queries int
	errors  int
	closed  bool
}

// Pool is a fixed-size client pool with a FIFO idle queue, wear-based
// recycling and a breaker counting acquisitions.
type Pool struct {
	name    string
	cfg     Config
	factory Factory
	breaker *resilience.Breaker
	logger  *slog.Logger

	// lifeCtx bounds spawns and the health loop; Shutdown cancels it.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	idle chan *process
	stop chan struct{}

	mu            sync.Mutex
	procs         map[string]*process
	failed        map[string]bool
	busy          int
	recycled      int
	draining      bool
	healthStarted bool

	outstanding sync.WaitGroup
	healthDone  chan struct{}
}

// New creates a pool. The breaker is registered under name, which is also
// the component name degraded-mode tracking observes.
func New(name string, factory Factory, breakers *resilience.Registry, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Pool{
		name:       name,
		cfg:        cfg,
		factory:    factory,
		breaker:    breakers.Get(name),
		logger:     slog.Default().With("pool", name),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		idle:       make(chan *process, cfg.Size),
		stop:       make(chan struct{}),
		procs:      make(map[string]*process),
		failed:     make(map[string]bool),
		healthDone: make(chan struct{}),
	}
}

// Initialize spawns the full pool, pre-connected. Any spawn failure closes
// what was started and fails initialization; a partially alive pool at
// startup hides config problems until the first busy hour.
func (p *Pool) Initialize(ctx context.Context) error {
	for i := 1; i <= p.cfg.Size; i++ {
		id := fmt.Sprintf("%s-client-%d", p.name, i)
		client, err := p.factory(ctx, id)
		if err != nil {
			p.closeAll()
			return fmt.Errorf("initialize pool %s: spawn %s: %w", p.name, id, err)
		}
		proc := &process{id: id, client: client}
		p.mu.Lock()
		p.procs[id] = proc
		p.mu.Unlock()
		p.idle <- proc
	}
	p.logger.Info("Pool initialized", "size", p.cfg.Size)

	p.mu.Lock()
	p.healthStarted = true
	p.mu.Unlock()
	go p.healthLoop()
	return nil
}

// Acquire yields exclusive use of one client, waiting up to timeout for a
// slot. A zero timeout never waits. The returned lease must be released
// exactly once; prefer With, which guarantees that.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrPoolShuttingDown
	}
	p.mu.Unlock()

	done, err := p.breaker.Allow()
	if err != nil {
		return nil, err
	}

	var proc *process
	if timeout <= 0 {
		select {
		case proc = <-p.idle:
		default:
			done(false)
			return nil, ErrPoolExhausted
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case proc = <-p.idle:
		case <-timer.C:
			done(false)
			return nil, ErrPoolExhausted
		case <-p.stop:
			// Shutdown is not a pool fault.
			done(true)
			return nil, ErrPoolShuttingDown
		case <-ctx.Done():
			// Neither is caller cancellation.
			done(true)
			return nil, ctx.Err()
		}
	}
	done(true)

	p.mu.Lock()
	if p.draining {
		// Shutdown won the race for this client; hand it straight to the
		// close path.
		p.closeLocked(proc)
		p.mu.Unlock()
		return nil, ErrPoolShuttingDown
	}
	p.busy++
	p.outstanding.Add(1)
	p.mu.Unlock()
	return &Lease{pool: p, proc: proc}, nil
}

// With runs fn with an exclusively held client and releases it with fn's
// outcome, so the recycle bookkeeping always sees exactly one result per
// acquisition.
func (p *Pool) With(ctx context.Context, fn func(ctx context.Context, client Client) error) error {
	lease, err := p.Acquire(ctx, p.cfg.AcquireTimeout)
	if err != nil {
		return err
	}
	err = fn(ctx, lease.Client())
	lease.Release(err)
	return err
}

// Lease is an exclusive hold on one pooled client.
type Lease struct {
	pool     *Pool
	proc     *process
	released bool
	mu       sync.Mutex
}

// Client returns the held client.
func (l *Lease) Client() Client { return l.proc.client }

// Release returns the client to the pool, recording the operation's outcome.
// The client is recycled when its wear crosses the configured thresholds.
// Release is idempotent; only the first call counts.
func (l *Lease) Release(opErr error) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(l.proc, opErr)
}

func (p *Pool) release(proc *process, opErr error) {
	defer p.outstanding.Done()

	p.mu.Lock()
	p.busy--
	proc.queries++
	if opErr != nil {
		proc.errors++
	}
	if p.draining {
		p.closeLocked(proc)
		p.mu.Unlock()
		return
	}
	wornOut := proc.queries >= p.cfg.MaxQueriesPerProcess || proc.errors >= p.cfg.ErrorThreshold
	p.mu.Unlock()

	if wornOut {
		p.logger.Info("Recycling client",
			"client", proc.id,
			"queries", proc.queries,
			"errors", proc.errors)
		p.recycle(proc)
		return
	}
	p.idle <- proc
}

// recycle replaces a slot's process: close the old client, spawn a fresh one
// under the same id, enqueue it. A failed spawn leaves the slot in the
// failed set for the health monitor to retry.
func (p *Pool) recycle(proc *process) {
	p.mu.Lock()
	p.closeLocked(proc)
	p.recycled++
	p.mu.Unlock()

	client, err := p.factory(p.lifeCtx, proc.id)
	if err != nil {
		p.mu.Lock()
		p.failed[proc.id] = true
		p.mu.Unlock()
		p.logger.Error("Client respawn failed", "client", proc.id, "error", err)
		return
	}

	fresh := &process{id: proc.id, client: client}
	p.mu.Lock()
	if p.draining {
		p.closeLocked(fresh)
		p.mu.Unlock()
		return
	}
	p.procs[proc.id] = fresh
	p.mu.Unlock()
	p.idle <- fresh
}

// Shutdown stops accepting acquires, waits for outstanding leases up to
// drainTimeout, then force-closes whatever remains. It returns nil on a
// clean drain and ErrPoolShuttingDown when called twice.
func (p *Pool) Shutdown(drainTimeout time.Duration) error {
	if drainTimeout <= 0 {
		drainTimeout = p.cfg.DrainTimeout
	}
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrPoolShuttingDown
	}
	p.draining = true
	healthStarted := p.healthStarted
	p.mu.Unlock()
	close(p.stop)
	p.lifeCancel()
	if healthStarted {
		<-p.healthDone
	}

	drained := make(chan struct{})
	go func() {
		p.outstanding.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info("Pool drained")
	case <-time.After(drainTimeout):
		p.logger.Warn("Drain timeout, force closing", "timeout", drainTimeout)
	}

	// Empty the idle queue so released references are dropped, then close
	// every live process, held or not.
	for {
		select {
		case <-p.idle:
			continue
		default:
		}
		break
	}
	p.closeAll()
	return nil
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proc := range p.procs {
		p.closeLocked(proc)
	}
}

func (p *Pool) closeLocked(proc *process) {
	if proc.closed {
		return
	}
	proc.closed = true
	if err := proc.client.Close(); err != nil {
		p.logger.Warn("Client close failed", "client", proc.id, "error", err)
	}
}

// Stats is a point-in-time view of the pool, for status endpoints.
type Stats struct {
	Size     int  `json:"size"`
	Idle     int  `json:"idle"`
	Busy     int  `json:"busy"`
	Failed   int  `json:"failed"`
	Recycled int  `json:"recycled"`
	Draining bool `json:"draining"`
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:     p.cfg.Size,
		Idle:     len(p.idle),
		Busy:     p.busy,
		Failed:   len(p.failed),
		Recycled: p.recycled,
		Draining: p.draining,
	}
}
