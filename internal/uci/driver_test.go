package uci

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

// fakeEngine scripts the far side of the driver's pipes. Each test
// installs a go hook that emits whatever the scenario needs.
type fakeEngine struct {
	out *io.PipeWriter

	mu       sync.Mutex
	commands []string
	goHook   func(e *fakeEngine)
	stopHook func(e *fakeEngine)
}

func (e *fakeEngine) onGo(fn func(e *fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.goHook = fn
}

func (e *fakeEngine) onStop(fn func(e *fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopHook = fn
}

func (e *fakeEngine) hooks() (goHook, stopHook func(e *fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.goHook, e.stopHook
}

func (e *fakeEngine) emit(lines ...string) {
	for _, l := range lines {
		if _, err := io.WriteString(e.out, l+"\n"); err != nil {
			return
		}
	}
}

func (e *fakeEngine) run(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd := scanner.Text()
		e.mu.Lock()
		e.commands = append(e.commands, cmd)
		e.mu.Unlock()
		goHook, stopHook := e.hooks()
		switch {
		case cmd == "uci":
			e.emit("id name fakefish", "uciok")
		case cmd == "isready":
			e.emit("readyok")
		case strings.HasPrefix(cmd, "go"):
			if goHook != nil {
				goHook(e)
			}
		case cmd == "stop":
			if stopHook != nil {
				stopHook(e)
			}
		case cmd == "quit":
			e.out.Close()
			return
		}
	}
	e.out.Close()
}

func (e *fakeEngine) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

func (e *fakeEngine) recordedAfterNewGame() []string {
	cmds := e.recorded()
	for i, c := range cmds {
		if c == "ucinewgame" {
			return cmds[i:]
		}
	}
	return nil
}

func startFakeDriver(t *testing.T, cfg Config) (*Driver, *fakeEngine) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	engine := &fakeEngine{out: stdoutW}
	go engine.run(stdinR)

	d := newDriver(1, cfg, zap.NewNop(), stdinW, stdoutR, nil)
	if err := d.handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d, engine
}

func depthJob(multiPV int) Job {
	return Job{
		ID:            "j1",
		FEN:           StartFEN,
		Mode:          SearchDepth,
		Depth:         10,
		MultiPV:       multiPV,
		TargetElo:     1500,
		Personality:   "Aggressive",
		ContemptCp:    24,
		LimitStrength: true,
		Kind:          JobStats,
	}
}

func TestDriverAnalyze(t *testing.T) {
	Convey("Given a driver over a scripted engine", t, func() {
		Convey("A multipv search collects ranked lines and freezes on bestmove", func() {
			d, engine := startFakeDriver(t, Config{Threads: 1, HashMB: 64})
			engine.onGo(func(e *fakeEngine) {
				e.emit(
					"info depth 8 multipv 1 score cp 20 pv e2e4 e7e5",
					"info depth 8 multipv 2 score cp -5 pv d2d4 d7d5",
					"info depth 10 multipv 1 score cp 35 pv e2e4 c7c5",
					"info depth 10 multipv 2 score cp 1 pv d2d4 g8f6",
					"bestmove e2e4 ponder c7c5",
				)
			})

			res, err := d.Analyze(context.Background(), depthJob(2))
			So(err, ShouldBeNil)
			So(res.BestMove, ShouldEqual, "e2e4")
			So(res.Ponder, ShouldEqual, "c7c5")
			So(res.Depth, ShouldEqual, 10)
			So(res.Lines, ShouldHaveLength, 2)

			Convey("Each rank keeps its deepest line", func() {
				So(res.Lines[0].Rank, ShouldEqual, 1)
				So(res.Lines[0].Depth, ShouldEqual, 10)
				So(res.Lines[0].Score.Value, ShouldEqual, 35)
				So(res.Lines[1].Rank, ShouldEqual, 2)
				So(res.Lines[1].Moves, ShouldResemble, []string{"d2d4", "g8f6"})
			})

			Convey("The driver returns to idle", func() {
				So(d.State(), ShouldEqual, StateIdle)
			})
		})

		Convey("Job options are applied in the contract order", func() {
			d, engine := startFakeDriver(t, Config{Threads: 2, HashMB: 128})
			engine.onGo(func(e *fakeEngine) {
				e.emit("info depth 10 multipv 1 score cp 0 pv e2e4", "bestmove e2e4")
			})

			_, err := d.Analyze(context.Background(), depthJob(1))
			So(err, ShouldBeNil)

			So(engine.recordedAfterNewGame(), ShouldResemble, []string{
				"ucinewgame",
				"isready",
				"setoption name UCI_LimitStrength value true",
				"setoption name UCI_Elo value 1500",
				"setoption name Personality value Aggressive",
				"setoption name MultiPV value 1",
				"setoption name Skill value 10",
				"setoption name Contempt value 24",
				"position startpos",
				"go depth 10",
			})

			Convey("Hash is not resent when unchanged", func() {
				hashes := 0
				for _, c := range engine.recorded() {
					if strings.HasPrefix(c, "setoption name Hash") {
						hashes++
					}
				}
				So(hashes, ShouldEqual, 1)
			})
		})

		Convey("A late info line cannot regress a rank to a shallower depth", func() {
			d, engine := startFakeDriver(t, Config{})
			engine.onGo(func(e *fakeEngine) {
				e.emit(
					"info depth 10 multipv 1 score cp 40 pv e2e4",
					"info depth 7 multipv 1 score cp -300 pv a2a3",
					"bestmove e2e4",
				)
			})

			res, err := d.Analyze(context.Background(), depthJob(1))
			So(err, ShouldBeNil)
			So(res.Lines[0].Score.Value, ShouldEqual, 40)
		})

		Convey("Bestmove disagreeing with rank-1 overrides the pv", func() {
			d, engine := startFakeDriver(t, Config{})
			engine.onGo(func(e *fakeEngine) {
				e.emit(
					"info depth 10 multipv 1 score cp 40 pv e2e4 e7e5",
					"bestmove g1f3",
				)
			})

			res, err := d.Analyze(context.Background(), depthJob(1))
			So(err, ShouldBeNil)
			So(res.BestMove, ShouldEqual, "g1f3")
			So(res.Lines[0].Moves, ShouldResemble, []string{"g1f3"})
		})

		Convey("A terminal position yields no bestmove and no lines", func() {
			d, engine := startFakeDriver(t, Config{})
			engine.onGo(func(e *fakeEngine) {
				e.emit("info depth 0 score mate 0", "bestmove (none)")
			})

			res, err := d.Analyze(context.Background(), depthJob(1))
			So(err, ShouldBeNil)
			So(res.BestMove, ShouldBeEmpty)
			So(res.Lines, ShouldBeEmpty)
		})

		Convey("Non-contiguous multipv ranks are a fault", func() {
			d, engine := startFakeDriver(t, Config{})
			engine.onGo(func(e *fakeEngine) {
				e.emit(
					"info depth 10 multipv 2 score cp 0 pv d2d4",
					"bestmove d2d4",
				)
			})

			_, err := d.Analyze(context.Background(), depthJob(2))
			So(errors.Is(err, ErrCrashed), ShouldBeTrue)
			So(d.State(), ShouldEqual, StateDead)
		})
	})
}

func TestDriverCancel(t *testing.T) {
	Convey("Given a search in flight", t, func() {
		Convey("Cancellation stops the engine and keeps it usable", func() {
			d, engine := startFakeDriver(t, Config{})
			engine.onGo(func(e *fakeEngine) {
				e.emit("info depth 6 multipv 1 score cp 10 pv e2e4")
				// keep searching until stop arrives
			})
			engine.onStop(func(e *fakeEngine) {
				e.emit("bestmove e2e4")
			})

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()

			_, err := d.Analyze(ctx, depthJob(1))
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(d.State(), ShouldEqual, StateIdle)

			Convey("And the next search succeeds", func() {
				engine.onGo(func(e *fakeEngine) {
					e.emit("info depth 10 multipv 1 score cp 5 pv d2d4", "bestmove d2d4")
				})
				res, err := d.Analyze(context.Background(), depthJob(1))
				So(err, ShouldBeNil)
				So(res.BestMove, ShouldEqual, "d2d4")
			})
		})

		Convey("An engine that ignores stop is killed", func() {
			d, engine := startFakeDriver(t, Config{})
			engine.onGo(func(e *fakeEngine) {})
			engine.onStop(func(e *fakeEngine) {})

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()

			_, err := d.Analyze(ctx, depthJob(1))
			So(errors.Is(err, ErrCrashed), ShouldBeTrue)
			So(d.State(), ShouldEqual, StateDead)
		})
	})
}

func TestDriverFaults(t *testing.T) {
	Convey("Given a misbehaving engine", t, func() {
		Convey("Process exit mid-search is a crash", func() {
			d, engine := startFakeDriver(t, Config{})
			engine.onGo(func(e *fakeEngine) {
				e.emit("info depth 3 multipv 1 score cp 0 pv e2e4")
				e.out.Close()
			})

			_, err := d.Analyze(context.Background(), depthJob(1))
			So(errors.Is(err, ErrCrashed), ShouldBeTrue)
			So(d.State(), ShouldEqual, StateDead)
		})

		Convey("Blowing the wall timeout kills the engine", func() {
			d, engine := startFakeDriver(t, Config{})
			engine.onGo(func(e *fakeEngine) {})
			d.wallOverride = 50 * time.Millisecond

			_, err := d.Analyze(context.Background(), depthJob(1))
			So(errors.Is(err, ErrTimeout), ShouldBeTrue)
			So(d.State(), ShouldEqual, StateDead)
		})

		Convey("A dead driver refuses new work", func() {
			d, engine := startFakeDriver(t, Config{})
			engine.onGo(func(e *fakeEngine) {})
			d.wallOverride = 50 * time.Millisecond
			_, _ = d.Analyze(context.Background(), depthJob(1))

			_, err := d.Analyze(context.Background(), depthJob(1))
			So(errors.Is(err, ErrBusy), ShouldBeTrue)
		})
	})
}

func TestSkillForJob(t *testing.T) {
	Convey("When deriving the skill option", t, func() {
		So(skillForJob(Job{LimitStrength: false, TargetElo: 800}), ShouldEqual, 20)
		So(skillForJob(Job{LimitStrength: true, TargetElo: 500}), ShouldEqual, 0)
		So(skillForJob(Job{LimitStrength: true, TargetElo: 1500}), ShouldEqual, 10)
		So(skillForJob(Job{LimitStrength: true, TargetElo: 2500}), ShouldEqual, 20)
		So(skillForJob(Job{LimitStrength: true, TargetElo: 9000}), ShouldEqual, 20)
	})
}
