package pipeline

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/chengyongru/openscreen/internal/export/core"
)

// etaSmoothing is the weight of the newest rate sample in the moving average.
const etaSmoothing = 0.3

// etaEstimator predicts the remaining wall time from the average time per
// completed frame, smoothed with an exponential moving average.
type etaEstimator struct {
	clock clock.PassiveClock
	total int
	start time.Time

	perFrame float64 // seconds, smoothed
	seeded   bool
}

func newETAEstimator(c clock.PassiveClock, total int) *etaEstimator {
	return &etaEstimator{clock: c, total: total, start: c.Now()}
}

// observe records that current frames are done and returns the ETA in seconds.
func (e *etaEstimator) observe(current int) float64 {
	elapsed := e.clock.Since(e.start).Seconds()
	rate := elapsed / float64(max(current, 1))

	if !e.seeded {
		e.perFrame = rate
		e.seeded = true
	} else {
		e.perFrame = etaSmoothing*rate + (1-etaSmoothing)*e.perFrame
	}
	return core.SanitizeSeconds(float64(e.total-current) * e.perFrame)
}

// Elapsed is the wall time since the estimator started.
func (e *etaEstimator) Elapsed() time.Duration {
	return e.clock.Since(e.start)
}
