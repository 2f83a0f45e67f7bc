// Package progress turns raw progress payloads into a clamped completion
// fraction and a rate-based ETA.
package progress

import (
	"math"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// minElapsed keeps the rate finite right after a run starts
const minElapsed = 0.5

// Fraction returns the completion fraction in [0,1].
//
// An explicit pct wins when it lies in [0,1] or [0,100] (the latter is
// normalised). Otherwise done.all/totals.all is used, clamped; with no
// totals the fraction is 0.
func Fraction(p domain.ProgressPayload) float64 {
	if f, ok := explicitPct(p.Pct); ok {
		return f
	}
	if p.Totals.All <= 0 {
		return 0
	}
	return clamp(float64(p.Done.All) / float64(p.Totals.All))
}

// HasFraction reports whether the payload carries enough data for a
// meaningful percentage.
func HasFraction(p domain.ProgressPayload) bool {
	if _, ok := explicitPct(p.Pct); ok {
		return true
	}
	return p.Totals.All > 0
}

func explicitPct(pct *float64) (float64, bool) {
	if pct == nil || math.IsNaN(*pct) || math.IsInf(*pct, 0) {
		return 0, false
	}
	v := *pct
	switch {
	case v >= 0 && v <= 1:
		return v, true
	case v > 1 && v <= 100:
		return v / 100, true
	}
	return 0, false
}

func clamp(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// ETA estimates the remaining seconds from the observed completion rate.
// It returns nil until at least one unit is done, when the start time or
// totals are unknown, or when the result is not finite.
func ETA(p domain.ProgressPayload, startedAt, now time.Time) *float64 {
	if startedAt.IsZero() || p.Totals.All <= 0 || p.Done.All <= 0 {
		return nil
	}
	elapsed := math.Max(minElapsed, now.Sub(startedAt).Seconds())
	rate := float64(p.Done.All) / elapsed
	remaining := math.Max(0, float64(p.Totals.All-p.Done.All))
	eta := remaining / rate
	if math.IsNaN(eta) || math.IsInf(eta, 0) {
		return nil
	}
	return &eta
}

// Estimate derives a full Progress snapshot from the latest payload. It
// depends on nothing but its arguments, so replaying the same payload
// yields the same snapshot.
func Estimate(p domain.ProgressPayload, startedAt, now time.Time) domain.Progress {
	out := domain.Progress{
		Done:        p.Done,
		Total:       p.Totals,
		LastMessage: p.Last,
		ETASec:      ETA(p, startedAt, now),
		UpdatedAt:   now,
	}
	if HasFraction(p) {
		f := Fraction(p)
		out.Pct = &f
	}
	return out
}

// Complete returns a copy of prog marked as fully done, as shown after a
// successful terminal event.
func Complete(prog domain.Progress, now time.Time) domain.Progress {
	one, zero := 1.0, 0.0
	prog.Pct = &one
	prog.ETASec = &zero
	if prog.Total.All > 0 {
		prog.Done = prog.Total
	}
	prog.UpdatedAt = now
	return prog
}
