// Package uci speaks the Universal Chess Interface: a line codec for
// the engine's stdout, a command writer for its stdin, and a driver
// that owns one engine subprocess end to end.
package uci

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"kibitz/internal/eval"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Info is one parsed "info" line. Zero fields mean the engine did not
// emit them (or emitted garbage, which is dropped field-wise).
type Info struct {
	Depth    int
	SelDepth int
	MultiPV  int
	HasScore bool
	// Score is raw engine output: side-to-move POV.
	Score eval.Score
	PV    []string
}

// ParseInfoLine parses an engine "info" line. It is total: any
// malformed field is dropped, never failing the whole line. The second
// return is false when the line is not an info line at all.
func ParseInfoLine(line string) (Info, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "info" {
		return Info{}, false
	}

	var info Info
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if v, ok := intAt(fields, i+1); ok {
				info.Depth = v
			}
			i++
		case "seldepth":
			if v, ok := intAt(fields, i+1); ok {
				info.SelDepth = v
			}
			i++
		case "multipv":
			if v, ok := intAt(fields, i+1); ok {
				info.MultiPV = v
			}
			i++
		case "score":
			if i+2 < len(fields) {
				if v, ok := intAt(fields, i+2); ok {
					switch fields[i+1] {
					case "cp":
						info.Score = eval.Cp(v)
						info.HasScore = true
					case "mate":
						info.Score = eval.MateIn(v)
						info.HasScore = true
					}
				}
			}
			i += 2
		case "pv":
			info.PV = append([]string(nil), fields[i+1:]...)
			return info, true
		case "string":
			// free-form engine chatter, nothing parseable follows
			return info, true
		}
	}
	return info, true
}

func intAt(fields []string, i int) (int, bool) {
	if i >= len(fields) {
		return 0, false
	}
	v, err := strconv.Atoi(fields[i])
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseBestMove parses a "bestmove <move> [ponder <move>]" line.
func ParseBestMove(line string) (best, ponder string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "bestmove" {
		return "", "", false
	}
	best = fields[1]
	if len(fields) >= 4 && fields[2] == "ponder" {
		ponder = fields[3]
	}
	return best, ponder, true
}

// CommandWriter serializes UCI commands onto the engine's stdin. Write
// failures surface on the next command; the driver maps them to a
// process fault.
type CommandWriter struct {
	w io.Writer
}

// NewCommandWriter wraps the engine's stdin.
func NewCommandWriter(w io.Writer) *CommandWriter {
	return &CommandWriter{w: w}
}

func (cw *CommandWriter) send(cmd string) error {
	if _, err := io.WriteString(cw.w, cmd+"\n"); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

func (cw *CommandWriter) UCI() error     { return cw.send("uci") }
func (cw *CommandWriter) IsReady() error { return cw.send("isready") }
func (cw *CommandWriter) NewGame() error { return cw.send("ucinewgame") }
func (cw *CommandWriter) Stop() error    { return cw.send("stop") }
func (cw *CommandWriter) Quit() error    { return cw.send("quit") }

// SetOption emits "setoption name <name> value <value>".
func (cw *CommandWriter) SetOption(name, value string) error {
	return cw.send(fmt.Sprintf("setoption name %s value %s", name, value))
}

// Position emits the position command. An empty or standard-start FEN
// becomes "position startpos"; appended moves follow in UCI notation.
func (cw *CommandWriter) Position(fen string, moves []string) error {
	var sb strings.Builder
	if fen == "" || fen == StartFEN {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	return cw.send(sb.String())
}

// GoDepth starts a fixed-depth search.
func (cw *CommandWriter) GoDepth(depth int) error {
	return cw.send(fmt.Sprintf("go depth %d", depth))
}

// GoMovetime starts a fixed-time search.
func (cw *CommandWriter) GoMovetime(ms int) error {
	return cw.send(fmt.Sprintf("go movetime %d", ms))
}
