package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/notnil/chess"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kibitz/internal/analysis"
	"kibitz/internal/auth"
	"kibitz/internal/eval"
	"kibitz/internal/pool"
	"kibitz/internal/uci"
)

// Conn is the transport surface a session writes to. Implementations
// must serialize concurrent WriteFrame calls: results arrive from job
// goroutines while errors arrive from the read loop.
type Conn interface {
	WriteFrame(v any) error
	Close(code int, reason string) error
}

// SuggestionService and ClassifyService are the two analysis products
// a session dispatches to.
type SuggestionService interface {
	Suggest(ctx context.Context, req analysis.SuggestRequest) (*analysis.SuggestionSet, error)
}

type ClassifyService interface {
	Classify(ctx context.Context, req analysis.ClassifyRequest) (*analysis.Classification, error)
}

// Config tunes one session.
type Config struct {
	// AuthTimeout closes unauthenticated connections. Defaults to 10s.
	AuthTimeout      time.Duration
	MinClientVersion string
	DownloadURL      string
	// Personalities is the closed set of accepted engine personality
	// names. Empty means personalities are rejected outright.
	Personalities map[string]bool
	// RateLimit/RateBurst bound analyze-family requests per session.
	// Defaults: 2/s, burst 5.
	RateLimit rate.Limit
	RateBurst int
}

const (
	defaultAuthTimeout = 10 * time.Second
	defaultRateLimit   = rate.Limit(2)
	defaultRateBurst   = 5

	minElo      = 500
	maxElo      = 2500
	maxMultiPV  = 8
	maxContempt = 200
)

// jobHandle tracks the single in-flight analysis job.
type jobHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Session drives one client connection through Connected →
// Authenticated → Closed. HandleMessage is called serially by the
// transport's read loop; job results are written from their own
// goroutines.
type Session struct {
	conn     Conn
	verifier auth.Verifier
	suggest  SuggestionService
	classify ClassifyService
	cfg      Config
	logger   *zap.Logger
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	authed    bool
	user      auth.User
	closed    bool
	authTimer *time.Timer
	inflight  *jobHandle
}

// New builds a session bound to the given connection. Call Start to
// begin the protocol.
func New(parent context.Context, conn Conn, verifier auth.Verifier,
	suggest SuggestionService, classify ClassifyService,
	cfg Config, logger *zap.Logger) *Session {

	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		conn:     conn,
		verifier: verifier,
		suggest:  suggest,
		classify: classify,
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start sends the ready frame and arms the auth timer.
func (s *Session) Start() {
	s.write(readyFrame{
		Type: "ready",
		Version: versionInfo{
			MinVersion:  s.cfg.MinClientVersion,
			DownloadURL: s.cfg.DownloadURL,
		},
	})
	s.mu.Lock()
	s.authTimer = time.AfterFunc(s.cfg.AuthTimeout, s.authTimedOut)
	s.mu.Unlock()
}

func (s *Session) authTimedOut() {
	s.mu.Lock()
	expired := !s.authed && !s.closed
	s.mu.Unlock()
	if expired {
		s.logger.Info("closing unauthenticated session")
		s.close(CloseNoAuth, "authentication timeout")
	}
}

// Teardown releases the session after the transport read loop ends.
func (s *Session) Teardown() {
	s.mu.Lock()
	s.closed = true
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()
	s.cancel()
}

// HandleMessage dispatches one inbound frame. Must be called from a
// single goroutine.
func (s *Session) HandleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.writeError("", KindInvalidJSON, "malformed JSON frame")
		return
	}
	switch env.Type {
	case typeAuth:
		s.handleAuth(data)
	case typeSuggestion, typeAnalyze:
		s.handleSuggestion(data, env.Type)
	case typeAnalyzeNew:
		s.handleClassify(data)
	default:
		s.writeError("", KindUnknownType, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Session) handleAuth(data []byte) {
	var req authRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError("", KindInvalidJSON, "malformed auth frame")
		return
	}

	s.mu.Lock()
	already := s.authed
	s.mu.Unlock()
	if already {
		s.writeError("", KindInvalidRequest, "already authenticated")
		return
	}

	if s.cfg.MinClientVersion != "" && versionLess(req.Version, s.cfg.MinClientVersion) {
		s.write(versionErrorFrame{
			Type:        "version_error",
			Kind:        KindOldVersion,
			MinVersion:  s.cfg.MinClientVersion,
			DownloadURL: s.cfg.DownloadURL,
		})
		s.close(CloseOldVersion, "client version outdated")
		return
	}

	verifyCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	user, err := s.verifier.VerifyToken(verifyCtx, req.Token)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			s.logger.Error("token verification failed", zap.Error(err))
		}
		s.write(authErrorFrame{Type: "auth_error", Kind: KindAuthFailed, Message: "authentication failed"})
		s.close(CloseBadToken, "invalid token")
		return
	}

	s.mu.Lock()
	s.authed = true
	s.user = user
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()

	s.logger.Info("session authenticated", zap.String("user", user.ID))
	s.write(authSuccessFrame{Type: "auth_success", User: user})
}

func (s *Session) handleSuggestion(data []byte, reqType string) {
	var req analyzeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError("", KindInvalidJSON, "malformed request frame")
		return
	}
	if !s.gate(req.RequestID) {
		return
	}
	sreq, err := s.validateSuggest(req)
	if err != nil {
		s.writeError(req.RequestID, KindInvalidRequest, err.Error())
		return
	}

	resType := "suggestion_result"
	if reqType == typeAnalyze {
		resType = "result"
	}
	s.dispatch(req.RequestID, func(ctx context.Context) {
		set, err := s.suggest.Suggest(ctx, sreq)
		if ctx.Err() != nil {
			return // canceled jobs emit nothing
		}
		if err != nil {
			s.writeError(req.RequestID, kindFor(err), "analysis failed")
			return
		}
		s.write(suggestionResultFrame{Type: resType, RequestID: req.RequestID, SuggestionSet: set})
	})
}

func (s *Session) handleClassify(data []byte) {
	var req analyzeNewRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError("", KindInvalidJSON, "malformed request frame")
		return
	}
	if !s.gate(req.RequestID) {
		return
	}
	creq, err := s.validateClassify(req)
	if err != nil {
		s.writeError(req.RequestID, KindInvalidRequest, err.Error())
		return
	}

	s.dispatch(req.RequestID, func(ctx context.Context) {
		cls, err := s.classify.Classify(ctx, creq)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.write(analysisErrorFrame{
				Type:      "analysis_error",
				RequestID: req.RequestID,
				Kind:      kindFor(err),
				Message:   "analysis failed",
			})
			return
		}
		s.write(analysisResultFrame{
			Type:           "analysis_result",
			RequestID:      req.RequestID,
			Move:           creq.Move,
			Classification: cls,
		})
	})
}

// gate enforces authentication and the per-session rate limit for
// analyze-family requests.
func (s *Session) gate(requestID string) bool {
	s.mu.Lock()
	authed := s.authed
	s.mu.Unlock()
	if !authed {
		s.writeError(requestID, KindUnauthed, "authenticate first")
		return false
	}
	if !s.limiter.Allow() {
		s.writeError(requestID, KindRateLimited, "too many requests")
		return false
	}
	return true
}

// dispatch replaces any in-flight job with the new one. The old job is
// canceled and fully drained before the new one starts, so responses
// for the non-canceled subset keep request order.
func (s *Session) dispatch(requestID string, run func(ctx context.Context)) {
	s.mu.Lock()
	prev := s.inflight
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	ctx, cancel := context.WithCancel(s.ctx)
	handle := &jobHandle{id: requestID, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.inflight = handle
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			if s.inflight == handle {
				s.inflight = nil
			}
			s.mu.Unlock()
			close(handle.done)
		}()
		run(ctx)
	}()
}

func (s *Session) validateSuggest(req analyzeRequest) (analysis.SuggestRequest, error) {
	if req.RequestID == "" {
		return analysis.SuggestRequest{}, errors.New("requestId is required")
	}
	fen := req.FEN
	if fen == "" {
		fen = uci.StartFEN
	}
	if _, err := eval.PositionAfter(fen, req.Moves); err != nil {
		return analysis.SuggestRequest{}, fmt.Errorf("invalid position: %v", err)
	}
	if req.Personality != "" && !s.cfg.Personalities[req.Personality] {
		return analysis.SuggestRequest{}, fmt.Errorf("unknown personality %q", req.Personality)
	}
	multiPV := req.MultiPV
	if multiPV == 0 {
		multiPV = 3
	}
	if multiPV < 1 || multiPV > maxMultiPV {
		return analysis.SuggestRequest{}, fmt.Errorf("multiPv must be 1..%d", maxMultiPV)
	}
	return analysis.SuggestRequest{
		RequestID:            req.RequestID,
		FEN:                  fen,
		Moves:                req.Moves,
		TargetElo:            clamp(req.TargetElo, minElo, maxElo),
		Personality:          req.Personality,
		MultiPV:              multiPV,
		ContemptCp:           clamp(req.ContemptCp, 0, maxContempt),
		DisableLimitStrength: req.DisableLimitStrength,
	}, nil
}

func (s *Session) validateClassify(req analyzeNewRequest) (analysis.ClassifyRequest, error) {
	if req.RequestID == "" {
		return analysis.ClassifyRequest{}, errors.New("requestId is required")
	}
	if req.FENBefore == "" || req.FENAfter == "" || req.Move == "" {
		return analysis.ClassifyRequest{}, errors.New("fenBefore, fenAfter and move are required")
	}
	posBefore, err := eval.PositionFromFEN(req.FENBefore)
	if err != nil {
		return analysis.ClassifyRequest{}, fmt.Errorf("invalid fenBefore: %v", err)
	}
	if _, err := eval.PositionFromFEN(req.FENAfter); err != nil {
		return analysis.ClassifyRequest{}, fmt.Errorf("invalid fenAfter: %v", err)
	}
	if _, err := eval.FindMove(posBefore, req.Move); err != nil {
		return analysis.ClassifyRequest{}, fmt.Errorf("invalid move: %v", err)
	}
	color, err := parseColor(req.PlayerColor)
	if err != nil {
		return analysis.ClassifyRequest{}, err
	}
	return analysis.ClassifyRequest{
		RequestID:   req.RequestID,
		FENBefore:   req.FENBefore,
		FENAfter:    req.FENAfter,
		Move:        req.Move,
		Moves:       req.Moves,
		PlayerColor: color,
		TargetElo:   clamp(req.TargetElo, minElo, maxElo),
		IsBook:      req.IsBook,
	}, nil
}

func parseColor(s string) (chess.Color, error) {
	switch s {
	case "w", "white":
		return chess.White, nil
	case "b", "black":
		return chess.Black, nil
	default:
		return chess.NoColor, fmt.Errorf("invalid playerColor %q", s)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// kindFor maps internal faults onto the client error taxonomy.
func kindFor(err error) ErrorKind {
	switch {
	case errors.Is(err, uci.ErrTimeout):
		return KindEngineTimeout
	case errors.Is(err, uci.ErrCrashed):
		return KindEngineCrash
	case errors.Is(err, analysis.ErrNoMoves):
		return KindInvalidRequest
	case errors.Is(err, pool.ErrQueueFull), errors.Is(err, pool.ErrClosed):
		return KindInternal
	default:
		return KindInternal
	}
}

func (s *Session) write(v any) {
	if err := s.conn.WriteFrame(v); err != nil {
		s.logger.Debug("frame write failed", zap.Error(err))
	}
}

func (s *Session) writeError(requestID string, kind ErrorKind, msg string) {
	s.write(errorFrame{Type: "error", RequestID: requestID, Kind: kind, Message: msg})
}

func (s *Session) close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()
	_ = s.conn.Close(code, reason)
	s.cancel()
}
