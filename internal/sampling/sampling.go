// Package sampling decides deterministically whether a user's events of a
// given kind are emitted.
package sampling

import (
	"math"
	"unicode/utf16"
)

// Engine resolves sampling rates and makes per-user decisions.
type Engine struct {
	rate  float64
	kinds map[string]float64
	debug bool
}

// New creates an Engine with a global rate and optional per-kind overrides.
// In debug mode every decision samples in.
func New(rate float64, kinds map[string]float64, debug bool) *Engine {
	overrides := make(map[string]float64, len(kinds))
	for k, v := range kinds {
		overrides[k] = v
	}
	return &Engine{rate: rate, kinds: overrides, debug: debug}
}

// Rate returns the rate configured for kind, falling back to the global rate.
func (e *Engine) Rate(kind string) float64 {
	if r, ok := e.kinds[kind]; ok {
		return r
	}
	return e.rate
}

// Allow reports whether events of kind from userID should be emitted. Kinds
// without an override share the user's global decision, so a user is either
// in or out for all of them.
func (e *Engine) Allow(kind, userID string) bool {
	if e.debug {
		return true
	}
	if r, ok := e.kinds[kind]; ok {
		return ShouldSample(kind, userID, r)
	}
	return ShouldSample("", userID, e.rate)
}

// ShouldSample is the deterministic sampling decision. The default kind ("")
// hashes the user id alone, other kinds hash the user id followed by the kind,
// so a user can be sampled in for one kind and out for another.
func ShouldSample(kind, userID string, rate float64) bool {
	if math.IsNaN(rate) || rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	input := userID
	if kind != "" {
		input = userID + kind
	}
	h := int64(Hash(input))
	if h < 0 {
		h = -h
	}
	return float64(h%100)/100 < rate
}

// Hash is the 31-multiplier string hash over UTF-16 code units with signed
// 32-bit wraparound. Every build must produce the same value for the same
// input, otherwise users flip in and out of the sample.
func Hash(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	return h
}
