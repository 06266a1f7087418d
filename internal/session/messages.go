// Package session implements the per-connection dispatcher: the frame
// protocol, the auth gate, and the single-in-flight analysis job with
// cancel-then-submit pipelining.
package session

import (
	"kibitz/internal/analysis"
	"kibitz/internal/auth"
)

// Close codes for protocol-level rejections.
const (
	CloseNoAuth     = 4001
	CloseOldVersion = 4002
	CloseBadToken   = 4003
)

// ErrorKind is the client-visible error taxonomy. Kinds are stable
// protocol surface; messages are free-form.
type ErrorKind string

const (
	KindInvalidJSON    ErrorKind = "invalid_json"
	KindUnknownType    ErrorKind = "unknown_message_type"
	KindUnauthed       ErrorKind = "unauthenticated"
	KindAuthFailed     ErrorKind = "auth_failed"
	KindOldVersion     ErrorKind = "version_outdated"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindEngineTimeout  ErrorKind = "engine_timeout"
	KindEngineCrash    ErrorKind = "engine_crash"
	KindRateLimited    ErrorKind = "rate_limited"
	KindInternal       ErrorKind = "internal"
)

// Inbound frame types.
const (
	typeAuth       = "auth"
	typeAnalyze    = "analyze" // legacy alias of suggestion
	typeSuggestion = "suggestion"
	typeAnalyzeNew = "analyze_new"
)

type envelope struct {
	Type string `json:"type"`
}

type authRequest struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	Version string `json:"version"`
}

// analyzeRequest covers both the suggestion request and its legacy
// "analyze" alias; only the response frame type differs.
type analyzeRequest struct {
	Type                 string   `json:"type"`
	RequestID            string   `json:"requestId"`
	FEN                  string   `json:"fen"`
	Moves                []string `json:"moves"`
	TargetElo            int      `json:"targetElo"`
	Personality          string   `json:"personality"`
	MultiPV              int      `json:"multiPv"`
	ContemptCp           int      `json:"contempt"`
	DisableLimitStrength bool     `json:"disableLimitStrength"`
}

type analyzeNewRequest struct {
	Type        string   `json:"type"`
	RequestID   string   `json:"requestId"`
	FENBefore   string   `json:"fenBefore"`
	FENAfter    string   `json:"fenAfter"`
	Move        string   `json:"move"`
	Moves       []string `json:"moves"`
	PlayerColor string   `json:"playerColor"`
	TargetElo   int      `json:"targetElo"`
	IsBook      bool     `json:"isBook"`
}

// Outbound frames.

type versionInfo struct {
	MinVersion  string `json:"minVersion"`
	DownloadURL string `json:"downloadUrl"`
}

type readyFrame struct {
	Type    string      `json:"type"`
	Version versionInfo `json:"version"`
}

type authSuccessFrame struct {
	Type string    `json:"type"`
	User auth.User `json:"user"`
}

type authErrorFrame struct {
	Type    string    `json:"type"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type versionErrorFrame struct {
	Type        string    `json:"type"`
	Kind        ErrorKind `json:"kind"`
	MinVersion  string    `json:"minVersion"`
	DownloadURL string    `json:"downloadUrl"`
}

type errorFrame struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
}

type suggestionResultFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	*analysis.SuggestionSet
}

type analysisResultFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Move      string `json:"move"`
	*analysis.Classification
}

type analysisErrorFrame struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
}
