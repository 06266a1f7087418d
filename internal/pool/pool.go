// Package pool schedules analysis jobs across a dynamic set of engine
// drivers. Jobs queue FIFO; idle drivers pull from the front. The pool
// scales up under queue pressure, scales down after sustained
// idleness, and replaces crashed drivers without retrying the job that
// killed them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	channerics "github.com/niceyeti/channerics/channels"
	"go.uber.org/zap"

	"kibitz/internal/uci"
)

var (
	ErrClosed    = errors.New("pool is closed")
	ErrQueueFull = errors.New("pool queue is full")
)

// Engine is the driver surface the pool schedules over. *uci.Driver
// satisfies it; tests substitute fakes.
type Engine interface {
	ID() int
	State() uci.State
	Analyze(ctx context.Context, job uci.Job) (*uci.Result, error)
	Shutdown(ctx context.Context) error
}

// Factory spawns one engine. The context bounds the spawn only.
type Factory func(ctx context.Context, id int) (Engine, error)

// Config sizes and tunes the pool.
type Config struct {
	MinEngines       int
	MaxEngines       int
	ScaleUpThreshold int
	ScaleDownIdle    time.Duration
	// SweepInterval is how often idle drivers are considered for
	// retirement. Defaults to 10s.
	SweepInterval time.Duration
	// QueueBound caps waiting jobs. Defaults to 1024.
	QueueBound int
	// SpawnTimeout bounds one factory call. Defaults to 15s.
	SpawnTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.MinEngines < 1 {
		c.MinEngines = 1
	}
	if c.MaxEngines < c.MinEngines {
		c.MaxEngines = c.MinEngines
	}
	if c.ScaleUpThreshold < 1 {
		c.ScaleUpThreshold = 1
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.QueueBound <= 0 {
		c.QueueBound = 1024
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 15 * time.Second
	}
}

// Outcome is a completed (or failed) job, delivered once per submit.
type Outcome struct {
	Result *uci.Result
	Err    error
}

type pending struct {
	ctx context.Context
	job uci.Job
	out chan Outcome // cap 1, send never blocks
}

func (p *pending) deliver(o Outcome) {
	select {
	case p.out <- o:
	default:
	}
}

// worker pairs an engine with its scheduling state. busy/retiring and
// idleSince belong to the pool ledger and are only touched under the
// pool mutex; the engine itself is only driven by the worker
// goroutine.
type worker struct {
	engine    Engine
	busy      bool
	retiring  bool
	idleSince time.Time
	drain     chan struct{}
}

// Pool is the scheduling point. The mutex guards only the ledger
// (workers, spawn flag); it is never held across an engine call.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *zap.Logger

	jobs chan *pending
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	workers  map[int]*worker
	spawning bool
	nextID   int
	closed   bool

	served atomic.Int64
	failed atomic.Int64
}

// New builds the pool and spawns the minimum engine set synchronously,
// failing if any of them cannot start.
func New(ctx context.Context, cfg Config, factory Factory, logger *zap.Logger) (*Pool, error) {
	cfg.fillDefaults()
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		jobs:    make(chan *pending, cfg.QueueBound),
		done:    make(chan struct{}),
		workers: map[int]*worker{},
	}
	for i := 0; i < cfg.MinEngines; i++ {
		if err := p.spawnOne(ctx); err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = p.Close(closeCtx)
			return nil, fmt.Errorf("spawn engine %d of %d: %w", i+1, cfg.MinEngines, err)
		}
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p, nil
}

// Submit enqueues a job and returns a single-delivery outcome channel.
// The job's context covers both queue wait and search time.
func (p *Pool) Submit(ctx context.Context, job uci.Job) <-chan Outcome {
	pd := &pending{ctx: ctx, job: job, out: make(chan Outcome, 1)}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		pd.deliver(Outcome{Err: ErrClosed})
		return pd.out
	}

	select {
	case p.jobs <- pd:
		p.maybeScale()
	default:
		p.failed.Add(1)
		pd.deliver(Outcome{Err: ErrQueueFull})
	}
	return pd.out
}

// Analyze is the blocking form of Submit.
func (p *Pool) Analyze(ctx context.Context, job uci.Job) (*uci.Result, error) {
	select {
	case o := <-p.Submit(ctx, job):
		return o.Result, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// spawnOne creates an engine and starts its worker loop. Callers hold
// no locks.
func (p *Pool) spawnOne(ctx context.Context) error {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.SpawnTimeout)
	defer cancel()
	engine, err := p.factory(spawnCtx, id)
	if err != nil {
		return err
	}

	w := &worker{engine: engine, idleSince: time.Now(), drain: make(chan struct{})}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return engine.Shutdown(shutCtx)
	}
	p.workers[id] = w
	p.mu.Unlock()

	p.logger.Info("engine joined pool", zap.Int("engine", id))
	p.wg.Add(1)
	go p.workerLoop(w)
	return nil
}

// workerLoop pulls jobs until the pool closes or the worker is
// retired. The worker owns its engine's teardown.
func (p *Pool) workerLoop(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.retire(w, "pool closing")
			return
		case <-w.drain:
			p.retire(w, "scaled down")
			return
		case pd := <-p.jobs:
			if pd.ctx.Err() != nil {
				pd.deliver(Outcome{Err: pd.ctx.Err()})
				continue
			}
			p.setBusy(w, true)
			res, err := w.engine.Analyze(pd.ctx, pd.job)
			if err != nil {
				p.failed.Add(1)
			} else {
				p.served.Add(1)
			}
			pd.deliver(Outcome{Result: res, Err: err})
			p.setBusy(w, false)

			if w.engine.State() == uci.StateDead {
				p.retire(w, "engine died")
				p.maybeScale()
				return
			}
		}
	}
}

func (p *Pool) setBusy(w *worker, busy bool) {
	p.mu.Lock()
	w.busy = busy
	if !busy {
		w.idleSince = time.Now()
	}
	p.mu.Unlock()
}

// retire removes the worker from the ledger and tears its engine down.
func (p *Pool) retire(w *worker, reason string) {
	p.mu.Lock()
	delete(p.workers, w.engine.ID())
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = w.engine.Shutdown(ctx)
	p.logger.Info("engine left pool",
		zap.Int("engine", w.engine.ID()), zap.String("reason", reason))
}

// maybeScale starts the spawn loop if capacity is wanted and no spawn
// is already in flight. At most one engine spawns at a time.
func (p *Pool) maybeScale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spawning || p.closed || !p.wantsCapacityLocked() {
		return
	}
	p.spawning = true
	p.wg.Add(1)
	go p.spawnLoop()
}

func (p *Pool) wantsCapacityLocked() bool {
	n := len(p.workers)
	if n < p.cfg.MinEngines {
		return true
	}
	return len(p.jobs) >= p.cfg.ScaleUpThreshold && n < p.cfg.MaxEngines
}

func (p *Pool) spawnLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		want := !p.closed && p.wantsCapacityLocked()
		if !want {
			p.spawning = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if err := p.spawnOne(context.Background()); err != nil {
			p.logger.Error("engine spawn failed", zap.Error(err))
			p.mu.Lock()
			p.spawning = false
			p.mu.Unlock()
			return
		}
	}
}

// sweepLoop periodically retires engines that sat idle beyond the
// scale-down window, never dipping below the configured minimum.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	for range channerics.NewTicker(p.done, p.cfg.SweepInterval) {
		p.sweep(time.Now())
	}
}

func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := 0
	for _, w := range p.workers {
		if !w.retiring {
			live++
		}
	}
	for _, w := range p.workers {
		if live <= p.cfg.MinEngines {
			return
		}
		if w.busy || w.retiring {
			continue
		}
		if now.Sub(w.idleSince) <= p.cfg.ScaleDownIdle {
			continue
		}
		w.retiring = true
		close(w.drain)
		live--
	}
}

// Snapshot is a point-in-time view of the pool for /stats and health.
type Snapshot struct {
	Drivers    int   `json:"drivers"`
	Busy       int   `json:"busy"`
	QueueDepth int   `json:"queueDepth"`
	Served     int64 `json:"served"`
	Failed     int64 `json:"failed"`
	MinEngines int   `json:"minEngines"`
	MaxEngines int   `json:"maxEngines"`
}

// Stats snapshots the ledger.
func (p *Pool) Stats() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := 0
	for _, w := range p.workers {
		if w.busy {
			busy++
		}
	}
	return Snapshot{
		Drivers:    len(p.workers),
		Busy:       busy,
		QueueDepth: len(p.jobs),
		Served:     p.served.Load(),
		Failed:     p.failed.Load(),
		MinEngines: p.cfg.MinEngines,
		MaxEngines: p.cfg.MaxEngines,
	}
}

// Healthy reports whether at least one driver is alive.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.workers) > 0
}

// Close stops scheduling, fails queued jobs and quits every engine.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)

	// fail queued jobs while the workers wind down
	drainStop := make(chan struct{})
	go func() {
		for {
			select {
			case pd := <-p.jobs:
				pd.deliver(Outcome{Err: ErrClosed})
			case <-drainStop:
				return
			}
		}
	}()

	waitDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitDone)
	}()
	defer func() {
		close(drainStop)
		for {
			select {
			case pd := <-p.jobs:
				pd.deliver(Outcome{Err: ErrClosed})
			default:
				return
			}
		}
	}()
	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
