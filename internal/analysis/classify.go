package analysis

import (
	"context"
	"fmt"
	"math"

	"github.com/notnil/chess"
	"go.uber.org/zap"

	"kibitz/internal/eval"
	"kibitz/internal/uci"
)

// Move quality labels, strongest to weakest.
const (
	ClassBrilliant  = "Brilliant"
	ClassGreat      = "Great"
	ClassBest       = "Best"
	ClassExcellent  = "Excellent"
	ClassGood       = "Good"
	ClassBook       = "Book"
	ClassInaccuracy = "Inaccuracy"
	ClassMistake    = "Mistake"
	ClassBlunder    = "Blunder"
)

const (
	classifyDepth = 10

	// missedMateCpl is the fixed cp loss charged for letting a forced
	// mate slip: large enough to dominate accuracy, small enough not
	// to wipe a whole game's score on one move.
	missedMateCpl = 500

	// mateDisplayCp is the UI projection of mate scores for eval bars.
	mateDisplayCp = 10000

	greatSwingWin     = 15.0
	greatGapWin       = 8.0
	brilliantWinFloor = 60.0
	brilliantGapWin   = 6.0
)

// ClassifyRequest grades one played move. FENBefore/FENAfter bracket
// the move; Moves is the game line leading to FENBefore, used only
// for engine transposition context.
type ClassifyRequest struct {
	RequestID   string
	FENBefore   string
	FENAfter    string
	Move        string
	Moves       []string
	PlayerColor chess.Color
	TargetElo   int
	IsBook      bool
}

// Classification is the graded verdict on one move. Eval fields are
// White-POV centipawns with mates projected to ±10000 for display;
// MateInAfter carries the real signed distance when the position after
// the move is mating.
type Classification struct {
	Label          string     `json:"classification"`
	Cpl            int        `json:"cpl"`
	AccuracyImpact float64    `json:"accuracyImpact"`
	WeightedImpact float64    `json:"weightedImpact"`
	Phase          eval.Phase `json:"phase"`
	PlayedIsBest   bool       `json:"playedIsBest"`
	BestMove       string     `json:"bestMove"`
	EvalBefore     int        `json:"evalBefore"`
	EvalAfter      int        `json:"evalAfter"`
	MateInAfter    *int       `json:"mateInAfter,omitempty"`
	LossWin        float64    `json:"lossWin"`
	GapWin         float64    `json:"gapWin"`
	SwingWin       float64    `json:"swingWin"`
}

// Classifier grades played moves against full-strength engine truth.
type Classifier struct {
	searcher Searcher
	logger   *zap.Logger
}

func NewClassifier(searcher Searcher, logger *zap.Logger) *Classifier {
	return &Classifier{searcher: searcher, logger: logger}
}

// Classify runs the two stats searches (position before at multipv 2,
// position after at multipv 1) and applies the grading rules. Terminal
// positions after the move are graded by simulation, without spending
// a second engine call.
func (c *Classifier) Classify(ctx context.Context, req ClassifyRequest) (*Classification, error) {
	posBefore, err := eval.PositionFromFEN(req.FENBefore)
	if err != nil {
		return nil, err
	}
	if _, err := eval.FindMove(posBefore, req.Move); err != nil {
		return nil, err
	}
	player := req.PlayerColor
	phase, err := eval.DetectPhase(req.FENBefore)
	if err != nil {
		return nil, err
	}

	before, err := c.searcher.Analyze(ctx, statsJob(req.RequestID+":before", req.FENBefore, 2))
	if err != nil {
		return nil, err
	}
	if len(before.Lines) == 0 || before.BestMove == "" {
		return nil, ErrNoMoves
	}
	beforeBest := before.Lines[0].Score.ToWhitePOV(posBefore.Turn())
	var beforeSecond *eval.Score
	if len(before.Lines) > 1 {
		s := before.Lines[1].Score.ToWhitePOV(posBefore.Turn())
		beforeSecond = &s
	}

	afterPlayed, err := c.evalAfter(ctx, req)
	if err != nil {
		return nil, err
	}

	lossWin := eval.LossWinPercent(player, beforeBest, afterPlayed)
	swingWin := eval.SwingWinPercent(beforeBest, afterPlayed)
	gapWin := 0.0
	if beforeSecond != nil {
		gapWin = eval.GapWinPercent(player, beforeBest, *beforeSecond)
	}
	playedIsBest := req.Move == before.BestMove

	missedMate := isMateFor(beforeBest, player) && !isMateFor(afterPlayed, player)
	cpl := 0
	if missedMate {
		cpl = missedMateCpl
	} else {
		cpl = beforeBest.ForPlayer(player).ProjectedCp() - afterPlayed.ForPlayer(player).ProjectedCp()
		if cpl < 0 {
			cpl = 0
		}
	}

	label := c.label(req, player, labelInputs{
		missedMate:   missedMate,
		playedIsBest: playedIsBest,
		lossWin:      lossWin,
		gapWin:       gapWin,
		swingWin:     swingWin,
		winAfter:     eval.WinPercent(afterPlayed.ForPlayer(player)),
	})

	accuracy := round1(40 * (1 - math.Exp(-float64(cpl)/150)))
	cls := &Classification{
		Label:          label,
		Cpl:            cpl,
		AccuracyImpact: accuracy,
		WeightedImpact: round1(accuracy * phase.Weight()),
		Phase:          phase,
		PlayedIsBest:   playedIsBest,
		BestMove:       before.BestMove,
		EvalBefore:     displayCp(beforeBest),
		EvalAfter:      displayCp(afterPlayed),
		LossWin:        round1(lossWin),
		GapWin:         round1(gapWin),
		SwingWin:       round1(swingWin),
	}
	if afterPlayed.Mate {
		mate := afterPlayed.Value
		cls.MateInAfter = &mate
	}
	return cls, nil
}

// evalAfter produces the White-POV eval of the position after the
// played move: synthesized for terminal positions, searched otherwise.
func (c *Classifier) evalAfter(ctx context.Context, req ClassifyRequest) (eval.Score, error) {
	posAfter, err := eval.PositionFromFEN(req.FENAfter)
	if err != nil {
		return eval.Score{}, err
	}
	switch posAfter.Status() {
	case chess.Checkmate:
		// the side to move is the one mated
		if posAfter.Turn() == chess.White {
			return eval.MateIn(-1), nil
		}
		return eval.MateIn(1), nil
	case chess.Stalemate:
		return eval.Cp(0), nil
	}

	after, err := c.searcher.Analyze(ctx, statsJob(req.RequestID+":after", req.FENAfter, 1))
	if err != nil {
		return eval.Score{}, err
	}
	if len(after.Lines) == 0 {
		return eval.Score{}, fmt.Errorf("no engine lines for %q", req.FENAfter)
	}
	return after.Lines[0].Score.ToWhitePOV(posAfter.Turn()), nil
}

type labelInputs struct {
	missedMate   bool
	playedIsBest bool
	lossWin      float64
	gapWin       float64
	swingWin     float64
	winAfter     float64
}

// label applies the grading rules in their fixed order; the first rule
// that matches wins.
func (c *Classifier) label(req ClassifyRequest, player chess.Color, in labelInputs) string {
	if in.missedMate {
		return ClassBlunder
	}

	base := baseLabel(in.playedIsBest, in.lossWin)

	if req.IsBook && base != ClassMistake && base != ClassBlunder {
		return ClassBook
	}

	if (base == ClassBest || base == ClassExcellent) &&
		(in.swingWin >= greatSwingWin || in.gapWin >= greatGapWin) {
		return ClassGreat
	}

	if base == ClassBest && in.winAfter >= brilliantWinFloor && in.gapWin >= brilliantGapWin {
		delta, err := eval.MaterialDelta(req.FENBefore, req.Move, player)
		if err == nil && delta < 0 {
			return ClassBrilliant
		}
	}

	return base
}

func baseLabel(playedIsBest bool, lossWin float64) string {
	if playedIsBest {
		return ClassBest
	}
	switch {
	case lossWin <= 0.2:
		return ClassBest
	case lossWin <= 1:
		return ClassExcellent
	case lossWin <= 3:
		return ClassGood
	case lossWin <= 8:
		return ClassInaccuracy
	case lossWin <= 20:
		return ClassMistake
	default:
		return ClassBlunder
	}
}

func isMateFor(s eval.Score, player chess.Color) bool {
	return s.Mate && s.ForPlayer(player).Value > 0
}

func displayCp(s eval.Score) int {
	if s.Mate {
		if s.Value > 0 {
			return mateDisplayCp
		}
		return -mateDisplayCp
	}
	return s.Value
}

func statsJob(id, fen string, multiPV int) uci.Job {
	return uci.Job{
		ID:      id,
		FEN:     fen,
		Mode:    uci.SearchDepth,
		Depth:   classifyDepth,
		MultiPV: multiPV,
		Kind:    uci.JobStats,
	}
}
