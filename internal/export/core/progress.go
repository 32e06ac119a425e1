package core

import "math"

// ExportProgress is the per-frame snapshot handed to progress observers.
type ExportProgress struct {
	CurrentFrame           int     `json:"currentFrame"`
	TotalFrames            int     `json:"totalFrames"`
	Percentage             float64 `json:"percentage"`
	EstimatedTimeRemaining float64 `json:"estimatedTimeRemainingSeconds"`
}

// NewProgress derives percentage from the frame counters and sanitizes the ETA.
func NewProgress(current, total int, etaSeconds float64) ExportProgress {
	p := ExportProgress{
		CurrentFrame:           current,
		TotalFrames:            total,
		EstimatedTimeRemaining: SanitizeSeconds(etaSeconds),
	}
	switch {
	case total <= 0:
		p.Percentage = 100
	case current >= total:
		p.Percentage = 100
	case current <= 0:
		p.Percentage = 0
	default:
		p.Percentage = float64(current) / float64(total) * 100
	}
	return p
}

// SanitizeSeconds collapses negative, NaN and infinite values to zero.
func SanitizeSeconds(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// ExportResult is the terminal value of a session. Data is only ever set when
// the container was fully finalized.
type ExportResult struct {
	Data      []byte
	MIMEType  string
	Cancelled bool
	Err       *ExportError
}

// Succeeded reports whether the result carries a finalized container.
func (r ExportResult) Succeeded() bool {
	return !r.Cancelled && r.Err == nil && r.Data != nil
}
