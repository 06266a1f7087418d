// Package eval holds the scoring primitives shared by the suggestion
// builder and the move classifier: score normalization to White's point
// of view, win-percent conversion, mate projection, material accounting
// and game-phase detection.
//
// Convention: every Score crossing a package boundary is White-POV
// unless it is explicitly documented as raw engine output. Raw UCI
// scores are side-to-move POV and must pass through ToWhitePOV exactly
// once, at ingest.
package eval

import (
	"fmt"
	"math"

	"github.com/notnil/chess"
)

// winPercentK is the logistic slope used to map centipawns onto a
// 0..100 win-percent scale. The constant is load-bearing: the
// classification thresholds downstream are calibrated against it.
const winPercentK = 0.00368208

// Score is a single engine evaluation: either a centipawn value or a
// signed mate distance in moves. The zero value is "cp 0".
type Score struct {
	// Mate indicates Value is a mate distance (moves, never 0)
	// rather than centipawns.
	Mate  bool
	Value int
}

// Cp returns a centipawn score.
func Cp(v int) Score { return Score{Value: v} }

// MateIn returns a mate-in-n score. n > 0 means the POV side mates,
// n < 0 means it is being mated.
func MateIn(n int) Score { return Score{Mate: true, Value: n} }

func (s Score) String() string {
	if s.Mate {
		return fmt.Sprintf("mate %d", s.Value)
	}
	return fmt.Sprintf("cp %d", s.Value)
}

// ToWhitePOV re-orients a side-to-move score so that positive always
// favors White. Flipping twice round-trips to the original.
func (s Score) ToWhitePOV(sideToMove chess.Color) Score {
	if sideToMove == chess.White {
		return s
	}
	return Score{Mate: s.Mate, Value: -s.Value}
}

// ForPlayer re-orients a White-POV score to the given player's POV.
func (s Score) ForPlayer(player chess.Color) Score {
	if player == chess.White {
		return s
	}
	return Score{Mate: s.Mate, Value: -s.Value}
}

// ProjectedCp collapses the score onto the centipawn axis, mapping
// mates through MateToCp so that any mate outranks any non-mate eval
// and shorter mates outrank longer ones.
func (s Score) ProjectedCp() int {
	if s.Mate {
		return MateToCp(s.Value)
	}
	return s.Value
}

// WinPercent maps a White-POV score to White's win probability in
// [0, 100]. cp 0 is exactly 50; mates saturate to 100 or 0.
func WinPercent(s Score) float64 {
	if s.Mate {
		if s.Value > 0 {
			return 100
		}
		return 0
	}
	cp := float64(s.Value)
	return 50 + 50*(2/(1+math.Exp(-winPercentK*cp))-1)
}

// MateToCp projects a mate distance onto the cp axis:
// sign(n) * (100000 - 1000*|n|).
func MateToCp(n int) int {
	if n < 0 {
		return -(100000 - 1000*(-n))
	}
	return 100000 - 1000*n
}

// LossWinPercent is how many win-percent points the player gave up by
// reaching played instead of best. Both scores are White-POV; the
// result is re-oriented to the player and floored at 0.
func LossWinPercent(player chess.Color, best, played Score) float64 {
	loss := playerWinPercent(player, best) - playerWinPercent(player, played)
	return math.Max(0, loss)
}

// GapWinPercent is the win-percent spread between the top two engine
// lines, from the player's perspective, floored at 0.
func GapWinPercent(player chess.Color, first, second Score) float64 {
	gap := playerWinPercent(player, first) - playerWinPercent(player, second)
	return math.Max(0, gap)
}

// SwingWinPercent is the absolute win-percent movement between the
// position eval before the move and the eval after it.
func SwingWinPercent(before, after Score) float64 {
	return math.Abs(WinPercent(before) - WinPercent(after))
}

func playerWinPercent(player chess.Color, s Score) float64 {
	if player == chess.White {
		return WinPercent(s)
	}
	return 100 - WinPercent(s)
}

// PieceValue returns the conventional pawn-unit value of a piece type.
// Kings count 0.
func PieceValue(t chess.PieceType) int {
	switch t {
	case chess.Pawn:
		return 1
	case chess.Knight, chess.Bishop:
		return 3
	case chess.Rook:
		return 5
	case chess.Queen:
		return 9
	default:
		return 0
	}
}

// fullMaterial is both sides' non-king material at the start position:
// 2 * (8*1 + 2*3 + 2*3 + 2*5 + 9).
const fullMaterial = 78

// Phase is the coarse stage of the game, used to weight accuracy
// impact.
type Phase string

const (
	PhaseOpening    Phase = "opening"
	PhaseMiddlegame Phase = "middlegame"
	PhaseEndgame    Phase = "endgame"
)

// Weight returns the accuracy-impact multiplier for the phase.
// Endgame mistakes cost more, opening mistakes less.
func (p Phase) Weight() float64 {
	switch p {
	case PhaseOpening:
		return 0.7
	case PhaseEndgame:
		return 1.3
	default:
		return 1.0
	}
}

// DetectPhase classifies a FEN by remaining material: above 85% of
// full material is the opening, above 35% the middlegame, else the
// endgame.
func DetectPhase(fen string) (Phase, error) {
	pos, err := PositionFromFEN(fen)
	if err != nil {
		return "", err
	}
	total := 0
	for _, piece := range pos.Board().SquareMap() {
		total += PieceValue(piece.Type())
	}
	ratio := float64(total) / fullMaterial
	switch {
	case ratio > 0.85:
		return PhaseOpening, nil
	case ratio > 0.35:
		return PhaseMiddlegame, nil
	default:
		return PhaseEndgame, nil
	}
}

// PositionFromFEN parses a FEN string into a position.
func PositionFromFEN(fen string) (*chess.Position, error) {
	pos := &chess.Position{}
	if err := pos.UnmarshalText([]byte(fen)); err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return pos, nil
}

// SideMaterial sums the pawn-unit material balance for the given side:
// own material minus the opponent's.
func SideMaterial(pos *chess.Position, side chess.Color) int {
	balance := 0
	for _, piece := range pos.Board().SquareMap() {
		v := PieceValue(piece.Type())
		if piece.Color() == side {
			balance += v
		} else {
			balance -= v
		}
	}
	return balance
}

// MaterialDelta estimates the material cost of a move for the side
// playing it. The move is applied, and if the destination square is
// then attacked the cheapest legal recapture is applied too; the
// result is the material balance change across that exchange. Negative
// values flag sacrifices: material given up on purpose, or simply
// hung.
func MaterialDelta(fenBefore, moveUCI string, side chess.Color) (int, error) {
	pos, err := PositionFromFEN(fenBefore)
	if err != nil {
		return 0, err
	}
	move, err := FindMove(pos, moveUCI)
	if err != nil {
		return 0, err
	}
	before := SideMaterial(pos, side)

	after := pos.Update(move)
	if recapture := cheapestCaptureOn(after, move.S2()); recapture != nil {
		after = after.Update(recapture)
	}
	return SideMaterial(after, side) - before, nil
}

// cheapestCaptureOn returns the legal capture onto sq made by the
// least valuable attacker, or nil if the square is not capturable.
func cheapestCaptureOn(pos *chess.Position, sq chess.Square) *chess.Move {
	var best *chess.Move
	bestValue := 0
	for _, m := range pos.ValidMoves() {
		if m.S2() != sq || !m.HasTag(chess.Capture) {
			continue
		}
		v := PieceValue(pos.Board().Piece(m.S1()).Type())
		if best == nil || v < bestValue {
			best, bestValue = m, v
		}
	}
	return best
}

// FindMove resolves a UCI move string (e.g. "e2e4", "e7e8q") against
// the position's legal moves, so that the returned move carries the
// generator's tags (check, capture, en passant).
func FindMove(pos *chess.Position, moveUCI string) (*chess.Move, error) {
	notation := chess.UCINotation{}
	decoded, err := notation.Decode(pos, moveUCI)
	if err != nil {
		return nil, fmt.Errorf("illegal move %q: %w", moveUCI, err)
	}
	for _, m := range pos.ValidMoves() {
		if m.S1() == decoded.S1() && m.S2() == decoded.S2() && m.Promo() == decoded.Promo() {
			return m, nil
		}
	}
	return nil, fmt.Errorf("illegal move %q", moveUCI)
}

// PositionAfter applies a sequence of UCI moves to a FEN.
func PositionAfter(fen string, moves []string) (*chess.Position, error) {
	pos, err := PositionFromFEN(fen)
	if err != nil {
		return nil, err
	}
	for _, mv := range moves {
		m, err := FindMove(pos, mv)
		if err != nil {
			return nil, err
		}
		pos = pos.Update(m)
	}
	return pos, nil
}
