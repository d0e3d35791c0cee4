package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")
)

// Error taxonomy of the trading core.
var (
	ErrFeedGap            = errors.New("feed gap")
	ErrStaleMarket        = errors.New("stale market")
	ErrSubmissionTimeout  = errors.New("submission timeout")
	ErrSubmissionRejected = errors.New("submission rejected")
	ErrOneSidedExposure   = errors.New("one-sided exposure")
	ErrExitFailure        = errors.New("exit failure")
)

// RiskKind maps an error onto its taxonomy name. Unknown errors map to
// "unknown".
func RiskKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOneSidedExposure):
		return "OneSidedExposure"
	case errors.Is(err, ErrExitFailure):
		return "ExitFailure"
	case errors.Is(err, ErrSubmissionTimeout):
		return "SubmissionTimeout"
	case errors.Is(err, ErrSubmissionRejected):
		return "SubmissionRejected"
	case errors.Is(err, ErrStaleMarket):
		return "StaleMarket"
	case errors.Is(err, ErrFeedGap):
		return "FeedGap"
	default:
		return "unknown"
	}
}
