package uci

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	. "github.com/smartystreets/goconvey/convey"

	"kibitz/internal/eval"
)

func TestParseInfoLine(t *testing.T) {
	Convey("When parsing engine info lines", t, func() {
		Convey("A full multipv line parses every field", func() {
			info, ok := ParseInfoLine(
				"info depth 18 seldepth 24 multipv 2 score cp -31 nodes 123456 nps 987654 time 140 pv e7e5 g1f3 b8c6")
			So(ok, ShouldBeTrue)
			want := Info{
				Depth:    18,
				SelDepth: 24,
				MultiPV:  2,
				HasScore: true,
				Score:    eval.Cp(-31),
				PV:       []string{"e7e5", "g1f3", "b8c6"},
			}
			So(cmp.Diff(want, info), ShouldBeEmpty)
		})

		Convey("Mate scores parse with their sign", func() {
			info, ok := ParseInfoLine("info depth 12 score mate -3 pv h7h8")
			So(ok, ShouldBeTrue)
			So(info.Score, ShouldResemble, eval.MateIn(-3))
		})

		Convey("A malformed value drops the field, not the line", func() {
			info, ok := ParseInfoLine("info depth banana score cp 50 pv e2e4")
			So(ok, ShouldBeTrue)
			So(info.Depth, ShouldEqual, 0)
			So(info.HasScore, ShouldBeTrue)
			So(info.Score, ShouldResemble, eval.Cp(50))
		})

		Convey("A malformed score drops only the score", func() {
			info, ok := ParseInfoLine("info depth 9 score cp oops pv e2e4")
			So(ok, ShouldBeTrue)
			So(info.Depth, ShouldEqual, 9)
			So(info.HasScore, ShouldBeFalse)
			So(info.PV, ShouldResemble, []string{"e2e4"})
		})

		Convey("Engine chatter after string is ignored", func() {
			info, ok := ParseInfoLine("info depth 5 string NNUE evaluation enabled")
			So(ok, ShouldBeTrue)
			So(info.Depth, ShouldEqual, 5)
			So(info.PV, ShouldBeEmpty)
		})

		Convey("Non-info lines are rejected", func() {
			_, ok := ParseInfoLine("bestmove e2e4")
			So(ok, ShouldBeFalse)
			_, ok = ParseInfoLine("")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestParseBestMove(t *testing.T) {
	Convey("When parsing bestmove lines", t, func() {
		Convey("Bestmove with ponder", func() {
			best, ponder, ok := ParseBestMove("bestmove e2e4 ponder e7e5")
			So(ok, ShouldBeTrue)
			So(best, ShouldEqual, "e2e4")
			So(ponder, ShouldEqual, "e7e5")
		})

		Convey("Bestmove without ponder", func() {
			best, ponder, ok := ParseBestMove("bestmove g1f3")
			So(ok, ShouldBeTrue)
			So(best, ShouldEqual, "g1f3")
			So(ponder, ShouldBeEmpty)
		})

		Convey("Other lines are rejected", func() {
			_, _, ok := ParseBestMove("info depth 1")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestCommandWriter(t *testing.T) {
	Convey("When writing commands to the engine", t, func() {
		var sb strings.Builder
		cw := NewCommandWriter(&sb)

		Convey("Options serialize as name/value pairs", func() {
			So(cw.SetOption("MultiPV", "3"), ShouldBeNil)
			So(sb.String(), ShouldEqual, "setoption name MultiPV value 3\n")
		})

		Convey("The start position collapses to startpos", func() {
			So(cw.Position(StartFEN, nil), ShouldBeNil)
			So(sb.String(), ShouldEqual, "position startpos\n")
		})

		Convey("An empty FEN also means startpos", func() {
			So(cw.Position("", []string{"e2e4", "e7e5"}), ShouldBeNil)
			So(sb.String(), ShouldEqual, "position startpos moves e2e4 e7e5\n")
		})

		Convey("Arbitrary FENs pass through with moves", func() {
			fen := "8/8/4k3/8/8/4K3/4P3/8 w - - 0 1"
			So(cw.Position(fen, []string{"e2e3"}), ShouldBeNil)
			So(sb.String(), ShouldEqual, "position fen "+fen+" moves e2e3\n")
		})

		Convey("Search commands carry their bound", func() {
			So(cw.GoDepth(10), ShouldBeNil)
			So(cw.GoMovetime(800), ShouldBeNil)
			So(sb.String(), ShouldEqual, "go depth 10\ngo movetime 800\n")
		})
	})
}
