package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kibitz/internal/eval"
)

// Sentinel faults. Callers map these onto the client-visible error
// taxonomy; the pool uses them to decide whether a driver survives.
var (
	ErrTimeout = errors.New("engine wall timeout")
	ErrCrashed = errors.New("engine process fault")
	ErrBusy    = errors.New("driver is not idle")
)

// SearchMode selects how a search is bounded.
type SearchMode int

const (
	SearchDepth SearchMode = iota
	SearchMovetime
)

// JobKind tags what the pipeline wants the result for.
type JobKind string

const (
	JobSuggestion JobKind = "suggestion"
	JobStats      JobKind = "stats"
)

// Job is one search request against a single position.
type Job struct {
	ID            string
	FEN           string
	Moves         []string
	Mode          SearchMode
	Depth         int
	MovetimeMs    int
	MultiPV       int
	TargetElo     int
	Personality   string
	ContemptCp    int
	LimitStrength bool
	Kind          JobKind
}

// wallTimeout is the hard ceiling on one analyze call. Engines that
// blow through it are killed, not waited on.
func (j Job) wallTimeout() time.Duration {
	return 2*time.Duration(j.MovetimeMs)*time.Millisecond + 5*time.Second
}

// PVLine is one ranked engine line at the deepest depth it reached.
type PVLine struct {
	Rank     int
	Depth    int
	SelDepth int
	// Score is raw engine output: side-to-move POV.
	Score eval.Score
	Moves []string
}

// Result is a frozen search outcome. Lines are contiguous ranks 1..k;
// BestMove always equals Lines[0].Moves[0] when both exist.
type Result struct {
	BestMove string
	Ponder   string
	Lines    []PVLine
	Depth    int
	Elapsed  time.Duration
}

// State is the driver lifecycle. Transitions only move forward out of
// Spawning and never out of Dead.
type State int32

const (
	StateSpawning State = iota
	StateIdle
	StateConfiguring
	StateSearching
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateSearching:
		return "searching"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config is the per-process engine configuration.
type Config struct {
	BinaryPath string
	Threads    int
	HashMB     int
	// SpawnTimeout bounds the uciok/readyok handshake. Defaults to 5s.
	SpawnTimeout time.Duration
}

const (
	defaultSpawnTimeout = 5 * time.Second
	cancelDrainWindow   = 500 * time.Millisecond
	quitGracePeriod     = 2 * time.Second
)

// Driver owns one UCI engine subprocess: its pipes, its lifecycle and
// the strict request/response sequencing of the protocol. A driver
// serves one search at a time; concurrency lives in the pool above it.
type Driver struct {
	id     int
	logger *zap.Logger
	cfg    Config

	cmd      *exec.Cmd
	stdin    io.Closer
	cw       *CommandWriter
	lines    chan string
	procDone chan struct{}

	state      atomic.Int32
	drainOnce  sync.Once
	lastHashMB int

	// wallOverride shortens the search wall timeout in tests.
	wallOverride time.Duration
}

// StartDriver spawns the engine binary and completes the UCI handshake
// (uci/uciok, base options, isready/readyok) before returning. The
// context bounds only the spawn, not the driver's lifetime.
func StartDriver(ctx context.Context, id int, cfg Config, logger *zap.Logger) (*Driver, error) {
	cmd := exec.Command(cfg.BinaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.BinaryPath, err)
	}
	d := newDriver(id, cfg, logger, stdin, stdout, cmd)
	if err := d.handshake(ctx); err != nil {
		d.kill()
		return nil, err
	}
	return d, nil
}

// newDriver wires a driver onto arbitrary pipes. Tests use this with a
// scripted fake engine instead of a subprocess.
func newDriver(id int, cfg Config, logger *zap.Logger, stdin io.WriteCloser, stdout io.Reader, cmd *exec.Cmd) *Driver {
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = defaultSpawnTimeout
	}
	d := &Driver{
		id:       id,
		logger:   logger.With(zap.Int("engine", id)),
		cfg:      cfg,
		cmd:      cmd,
		stdin:    stdin,
		cw:       NewCommandWriter(stdin),
		lines:    make(chan string, 256),
		procDone: make(chan struct{}),
	}
	d.state.Store(int32(StateSpawning))
	go d.readLines(stdout)
	go d.waitProcess()
	return d
}

func (d *Driver) readLines(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		d.lines <- scanner.Text()
	}
	close(d.lines)
}

func (d *Driver) waitProcess() {
	if d.cmd != nil {
		_ = d.cmd.Wait()
	}
	close(d.procDone)
}

// ID identifies the driver in logs and pool state.
func (d *Driver) ID() int { return d.id }

// State reports the current lifecycle state.
func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) { d.state.Store(int32(s)) }

// handshake runs uci/uciok, applies process-wide options, then
// isready/readyok. An engine that misses the deadline is unusable.
func (d *Driver) handshake(ctx context.Context) error {
	deadline := time.NewTimer(d.cfg.SpawnTimeout)
	defer deadline.Stop()

	if err := d.cw.UCI(); err != nil {
		return d.fault(err)
	}
	if err := d.awaitLine(ctx, deadline.C, "uciok"); err != nil {
		return err
	}
	if d.cfg.Threads > 0 {
		if err := d.cw.SetOption("Threads", fmt.Sprint(d.cfg.Threads)); err != nil {
			return d.fault(err)
		}
	}
	if d.cfg.HashMB > 0 {
		if err := d.cw.SetOption("Hash", fmt.Sprint(d.cfg.HashMB)); err != nil {
			return d.fault(err)
		}
		d.lastHashMB = d.cfg.HashMB
	}
	if err := d.cw.IsReady(); err != nil {
		return d.fault(err)
	}
	if err := d.awaitLine(ctx, deadline.C, "readyok"); err != nil {
		return err
	}
	d.setState(StateIdle)
	d.logger.Info("engine ready")
	return nil
}

// awaitLine consumes engine output until an exact marker line arrives.
func (d *Driver) awaitLine(ctx context.Context, deadline <-chan time.Time, marker string) error {
	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return d.fault(errors.New("engine exited"))
			}
			if line == marker {
				return nil
			}
		case <-deadline:
			d.kill()
			return fmt.Errorf("awaiting %s: %w", marker, ErrTimeout)
		case <-ctx.Done():
			d.kill()
			return ctx.Err()
		}
	}
}

// Analyze runs one full search: reset, configure, position, go, and
// collect ranked lines until bestmove. Cancellation through ctx sends
// "stop" and drains the pending bestmove so the engine stays usable.
func (d *Driver) Analyze(ctx context.Context, job Job) (*Result, error) {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateConfiguring)) {
		return nil, fmt.Errorf("driver %d in state %s: %w", d.id, d.State(), ErrBusy)
	}

	started := time.Now()
	wallDur := job.wallTimeout()
	if d.wallOverride > 0 {
		wallDur = d.wallOverride
	}
	wall := time.NewTimer(wallDur)
	defer wall.Stop()

	if err := d.configure(ctx, wall.C, job); err != nil {
		return nil, err
	}

	d.setState(StateSearching)
	res, err := d.collect(ctx, wall.C, job)
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(started)
	d.setState(StateIdle)
	return res, nil
}

// configure resets the engine and applies job options in a fixed
// order. The order is part of the engine contract: some engines only
// honor Personality before MultiPV, and UCI_Elo only after
// UCI_LimitStrength.
func (d *Driver) configure(ctx context.Context, wall <-chan time.Time, job Job) error {
	if err := d.cw.NewGame(); err != nil {
		return d.fault(err)
	}
	if err := d.cw.IsReady(); err != nil {
		return d.fault(err)
	}
	if err := d.awaitLine(ctx, wall, "readyok"); err != nil {
		return err
	}

	if d.cfg.HashMB > 0 && d.cfg.HashMB != d.lastHashMB {
		if err := d.cw.SetOption("Hash", fmt.Sprint(d.cfg.HashMB)); err != nil {
			return d.fault(err)
		}
		d.lastHashMB = d.cfg.HashMB
	}
	if err := d.cw.SetOption("UCI_LimitStrength", fmt.Sprint(job.LimitStrength)); err != nil {
		return d.fault(err)
	}
	if job.LimitStrength {
		if err := d.cw.SetOption("UCI_Elo", fmt.Sprint(job.TargetElo)); err != nil {
			return d.fault(err)
		}
	}
	if job.Personality != "" {
		if err := d.cw.SetOption("Personality", job.Personality); err != nil {
			return d.fault(err)
		}
	}
	multiPV := job.MultiPV
	if multiPV < 1 {
		multiPV = 1
	}
	if err := d.cw.SetOption("MultiPV", fmt.Sprint(multiPV)); err != nil {
		return d.fault(err)
	}
	if err := d.cw.SetOption("Skill", fmt.Sprint(skillForJob(job))); err != nil {
		return d.fault(err)
	}
	if err := d.cw.SetOption("Contempt", fmt.Sprint(job.ContemptCp)); err != nil {
		return d.fault(err)
	}

	if err := d.cw.Position(job.FEN, job.Moves); err != nil {
		return d.fault(err)
	}
	switch job.Mode {
	case SearchMovetime:
		return d.faultIf(d.cw.GoMovetime(job.MovetimeMs))
	default:
		return d.faultIf(d.cw.GoDepth(job.Depth))
	}
}

// skillForJob maps a target elo onto the engine's 0..20 skill scale.
// Full strength applies whenever strength is not limited.
func skillForJob(job Job) int {
	if !job.LimitStrength {
		return 20
	}
	skill := (job.TargetElo - 500) / 100
	if skill < 0 {
		skill = 0
	}
	if skill > 20 {
		skill = 20
	}
	return skill
}

// collect consumes info lines into a rolling per-rank map until
// bestmove freezes the result.
func (d *Driver) collect(ctx context.Context, wall <-chan time.Time, job Job) (*Result, error) {
	byRank := map[int]PVLine{}
	maxDepth := 0

	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return nil, d.fault(errors.New("engine exited mid-search"))
			}
			if info, isInfo := ParseInfoLine(line); isInfo {
				mergeInfo(byRank, info)
				if info.Depth > maxDepth {
					maxDepth = info.Depth
				}
				continue
			}
			if best, ponder, isBest := ParseBestMove(line); isBest {
				return d.freeze(byRank, maxDepth, best, ponder)
			}
		case <-wall:
			d.logger.Error("search exceeded wall timeout", zap.String("job", job.ID))
			d.kill()
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, d.cancelSearch(ctx)
		}
	}
}

// mergeInfo keeps, per multipv rank, the latest line at the highest
// depth. Engines emit ranks interleaved and re-emit lower depths after
// aspiration re-searches.
func mergeInfo(byRank map[int]PVLine, info Info) {
	if !info.HasScore || len(info.PV) == 0 {
		return
	}
	rank := info.MultiPV
	if rank < 1 {
		rank = 1
	}
	cur, seen := byRank[rank]
	if seen && info.Depth < cur.Depth {
		return
	}
	byRank[rank] = PVLine{
		Rank:     rank,
		Depth:    info.Depth,
		SelDepth: info.SelDepth,
		Score:    info.Score,
		Moves:    info.PV,
	}
}

// freeze orders the collected lines and enforces the bestmove/rank-1
// agreement invariant.
func (d *Driver) freeze(byRank map[int]PVLine, maxDepth int, best, ponder string) (*Result, error) {
	lines := make([]PVLine, 0, len(byRank))
	for _, l := range byRank {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Rank < lines[j].Rank })
	for i, l := range lines {
		if l.Rank != i+1 {
			return nil, d.fault(fmt.Errorf("non-contiguous multipv ranks (missing %d)", i+1))
		}
	}

	// "bestmove (none)" is a terminal position: no legal moves.
	if best == "(none)" {
		best = ""
	}
	if best != "" && len(lines) > 0 && lines[0].Moves[0] != best {
		d.logger.Warn("bestmove disagrees with rank-1 pv, overriding",
			zap.String("bestmove", best), zap.String("pv", lines[0].Moves[0]))
		lines[0].Moves = []string{best}
	}
	return &Result{BestMove: best, Ponder: ponder, Lines: lines, Depth: maxDepth}, nil
}

// cancelSearch sends stop and drains the pending bestmove so the
// engine is reusable. An engine that will not produce bestmove within
// the drain window is killed.
func (d *Driver) cancelSearch(ctx context.Context) error {
	if err := d.cw.Stop(); err != nil {
		return d.fault(err)
	}
	drain := time.NewTimer(cancelDrainWindow)
	defer drain.Stop()
	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return d.fault(errors.New("engine exited during cancel"))
			}
			if _, _, isBest := ParseBestMove(line); isBest {
				d.setState(StateIdle)
				return ctx.Err()
			}
		case <-drain.C:
			d.logger.Warn("engine ignored stop, killing")
			d.kill()
			return errors.Join(ctx.Err(), ErrCrashed)
		}
	}
}

// Shutdown asks the engine to quit and force-kills it if it lingers.
func (d *Driver) Shutdown(ctx context.Context) error {
	if d.State() == StateDead {
		return nil
	}
	d.setState(StateDraining)
	_ = d.cw.Quit()
	grace := time.NewTimer(quitGracePeriod)
	defer grace.Stop()
	select {
	case <-d.procDone:
	case <-grace.C:
		d.kill()
	case <-ctx.Done():
		d.kill()
	}
	d.setState(StateDead)
	d.logger.Info("engine stopped")
	return nil
}

// fault marks the driver dead and wraps the cause as a crash.
func (d *Driver) fault(cause error) error {
	d.kill()
	d.logger.Error("engine fault", zap.Error(cause))
	return fmt.Errorf("%w: %v", ErrCrashed, cause)
}

func (d *Driver) faultIf(err error) error {
	if err != nil {
		return d.fault(err)
	}
	return nil
}

// kill tears the process down unconditionally and keeps the output
// channel draining so the reader goroutine can reach EOF.
func (d *Driver) kill() {
	d.setState(StateDead)
	_ = d.stdin.Close()
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	d.drainOnce.Do(func() {
		go func() {
			for range d.lines {
			}
		}()
	})
}
