package binance

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Binance error codes that must never be retried
const (
	CodeIPBanned             = -1003 // WAF ban, carries a retry-after
	CodePositionSideMismatch = -4061 // order position side does not match user setting
	CodeInvalidAPIKey        = -2014
	CodeSignatureMismatch    = -1022
)

// APIError is a structured error response from the venue
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Message)
}

// IsFatal reports whether the error must bypass retries and surface immediately
func (e *APIError) IsFatal() bool {
	switch e.Code {
	case CodeIPBanned, CodePositionSideMismatch, CodeInvalidAPIKey, CodeSignatureMismatch:
		return true
	}
	return false
}

// parseAPIError extracts an APIError from a response body if present
func parseAPIError(status int, body []byte) *APIError {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == 0 {
		return nil
	}
	apiErr.Status = status
	return &apiErr
}

// banState tracks an active IP ban so the orchestrator can pause cycles
// instead of hammering the venue.
type banState struct {
	mu       sync.RWMutex
	bannedTo time.Time
}

func (b *banState) set(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.bannedTo) {
		b.bannedTo = until
	}
}

func (b *banState) check() (bool, time.Duration) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	remaining := time.Until(b.bannedTo)
	return remaining > 0, remaining
}
