// Package analysis turns raw engine output into client-facing
// products: ranked move suggestions tuned to a player's strength, and
// per-move quality classifications.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/notnil/chess"
	"go.uber.org/zap"

	"kibitz/internal/eval"
	"kibitz/internal/uci"
)

// ErrNoMoves means the analyzed position is terminal: the engine has
// nothing to suggest and nothing to grade.
var ErrNoMoves = errors.New("position has no legal moves")

// Searcher is the slice of the pool the analysis layer needs.
type Searcher interface {
	Analyze(ctx context.Context, job uci.Job) (*uci.Result, error)
}

// Suggestion labels. Best is always rank 1; the rest grade how much a
// weaker line risks.
const (
	LabelBest  = "Best"
	LabelSafe  = "Safe"
	LabelRisky = "Risky"
)

// Blunder-risk grades for a candidate move.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const (
	maxPVPlies     = 10
	fullStrengthAt = 2000
)

// SuggestRequest asks for ranked move suggestions in a position,
// tuned to the target strength.
type SuggestRequest struct {
	RequestID            string
	FEN                  string
	Moves                []string
	TargetElo            int
	Personality          string
	MultiPV              int
	ContemptCp           int
	DisableLimitStrength bool
}

// MoveFlags are single-ply facts about a candidate move, derived by
// simulation rather than engine output.
type MoveFlags struct {
	IsMate         bool   `json:"isMate"`
	IsCheck        bool   `json:"isCheck"`
	IsCapture      bool   `json:"isCapture"`
	CapturedPiece  string `json:"capturedPiece,omitempty"`
	IsPromotion    bool   `json:"isPromotion"`
	PromotionPiece string `json:"promotionPiece,omitempty"`
}

// Safety grades what playing a non-best line costs.
type Safety struct {
	BlunderRisk string `json:"blunderRisk"`
	MateThreat  bool   `json:"mateThreat"`
}

// Suggestion is one ranked engine line dressed for the client.
type Suggestion struct {
	Rank    int       `json:"rank"`
	Move    string    `json:"move"`
	CpDelta int       `json:"cpDelta"`
	PV      []string  `json:"pv"`
	Depth   int       `json:"depth"`
	Flags   MoveFlags `json:"flags"`
	Safety  Safety    `json:"safety"`
	Label   string    `json:"label"`
}

// SuggestionSet is the full response for one position.
type SuggestionSet struct {
	FEN          string       `json:"fen"`
	PositionEval *int         `json:"positionEval,omitempty"`
	MateIn       *int         `json:"mateIn,omitempty"`
	WinRate      float64      `json:"winRate"`
	Suggestions  []Suggestion `json:"suggestions"`
}

// Suggester runs strength-tuned searches and shapes them into
// suggestion sets.
type Suggester struct {
	searcher Searcher
	logger   *zap.Logger
}

func NewSuggester(searcher Searcher, logger *zap.Logger) *Suggester {
	return &Suggester{searcher: searcher, logger: logger}
}

// Suggest runs one movetime-bounded search and builds the suggestion
// set for the resulting lines.
func (s *Suggester) Suggest(ctx context.Context, req SuggestRequest) (*SuggestionSet, error) {
	res, err := s.searcher.Analyze(ctx, SuggestionJob(req))
	if err != nil {
		return nil, err
	}
	return BuildSuggestions(req, res)
}

// SuggestionJob translates a request into engine terms. Strength is
// limited unless the caller opts out and is asking for a genuinely
// strong opponent.
func SuggestionJob(req SuggestRequest) uci.Job {
	limit := !(req.DisableLimitStrength && req.TargetElo >= fullStrengthAt)
	multiPV := req.MultiPV
	if multiPV < 1 {
		multiPV = 3
	}
	return uci.Job{
		ID:            req.RequestID,
		FEN:           req.FEN,
		Moves:         req.Moves,
		Mode:          uci.SearchMovetime,
		MovetimeMs:    MovetimeForElo(req.TargetElo),
		MultiPV:       multiPV,
		TargetElo:     req.TargetElo,
		Personality:   req.Personality,
		ContemptCp:    req.ContemptCp,
		LimitStrength: limit,
		Kind:          uci.JobSuggestion,
	}
}

// MovetimeForElo budgets search time by target strength: weak
// opponents think fast and shallow, strong ones get real time.
func MovetimeForElo(elo int) int {
	switch {
	case elo < 1000:
		return 400
	case elo < 1400:
		return 600
	case elo < 1800:
		return 800
	case elo < 2200:
		return 1200
	default:
		return 1800
	}
}

// BlunderRisk grades a cp drop relative to the best line. Thresholds
// widen for weaker players: a 120cp slip barely matters at 900 elo and
// is serious at 2200.
func BlunderRisk(elo, dropCp int) string {
	var low, medium int
	switch {
	case elo < 1200:
		low, medium = 150, 400
	case elo <= 1800:
		low, medium = 100, 300
	default:
		low, medium = 60, 200
	}
	switch {
	case dropCp <= low:
		return RiskLow
	case dropCp <= medium:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// BuildSuggestions shapes a frozen search result into the client
// suggestion set. Scores arrive side-to-move POV and are re-oriented
// here, once.
func BuildSuggestions(req SuggestRequest, res *uci.Result) (*SuggestionSet, error) {
	pos, err := eval.PositionAfter(req.FEN, req.Moves)
	if err != nil {
		return nil, err
	}
	if len(res.Lines) == 0 || res.BestMove == "" {
		return nil, ErrNoMoves
	}
	player := pos.Turn()

	rank1White := res.Lines[0].Score.ToWhitePOV(player)
	rank1Player := res.Lines[0].Score // side to move == player
	set := &SuggestionSet{
		FEN:     req.FEN,
		WinRate: round1(eval.WinPercent(rank1White)),
	}
	if rank1Player.Mate {
		mate := rank1Player.Value
		set.MateIn = &mate
	} else {
		// side-to-move POV, unlike winRate
		cp := rank1Player.Value
		set.PositionEval = &cp
	}

	for _, line := range res.Lines {
		sugg, err := buildSuggestion(pos, player, req.TargetElo, rank1Player, line)
		if err != nil {
			return nil, err
		}
		set.Suggestions = append(set.Suggestions, sugg)
	}
	return set, nil
}

func buildSuggestion(pos *chess.Position, player chess.Color, elo int, rank1 eval.Score, line uci.PVLine) (Suggestion, error) {
	if len(line.Moves) == 0 {
		return Suggestion{}, fmt.Errorf("rank %d has an empty pv", line.Rank)
	}
	moveUCI := line.Moves[0]
	move, err := eval.FindMove(pos, moveUCI)
	if err != nil {
		return Suggestion{}, fmt.Errorf("rank %d: %w", line.Rank, err)
	}

	dropCp := rank1.ProjectedCp() - line.Score.ProjectedCp()
	if dropCp < 0 {
		dropCp = 0
	}
	risk := BlunderRisk(elo, dropCp)

	label := LabelBest
	if line.Rank != 1 {
		if risk == RiskLow {
			label = LabelSafe
		} else {
			label = LabelRisky
		}
	}

	pv := line.Moves
	if len(pv) > maxPVPlies {
		pv = pv[:maxPVPlies]
	}

	flags := MoveFlags{
		IsMate:      line.Score.Mate && line.Score.Value > 0,
		IsCheck:     move.HasTag(chess.Check),
		IsCapture:   move.HasTag(chess.Capture) || move.HasTag(chess.EnPassant),
		IsPromotion: move.Promo() != chess.NoPieceType,
	}
	if flags.IsCapture {
		flags.CapturedPiece = capturedPieceName(pos, move)
	}
	if flags.IsPromotion {
		flags.PromotionPiece = pieceName(move.Promo())
	}

	return Suggestion{
		Rank:    line.Rank,
		Move:    moveUCI,
		CpDelta: -dropCp,
		PV:      append([]string(nil), pv...),
		Depth:   line.Depth,
		Flags:   flags,
		Safety: Safety{
			BlunderRisk: risk,
			MateThreat:  line.Score.Mate && line.Score.Value < 0,
		},
		Label: label,
	}, nil
}

func capturedPieceName(pos *chess.Position, move *chess.Move) string {
	if move.HasTag(chess.EnPassant) {
		return "pawn"
	}
	return pieceName(pos.Board().Piece(move.S2()).Type())
}

func pieceName(t chess.PieceType) string {
	switch t {
	case chess.Pawn:
		return "pawn"
	case chess.Knight:
		return "knight"
	case chess.Bishop:
		return "bishop"
	case chess.Rook:
		return "rook"
	case chess.Queen:
		return "queen"
	case chess.King:
		return "king"
	default:
		return ""
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
