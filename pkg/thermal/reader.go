// Package thermal provides the optional temperature capability
package thermal

import (
	"context"
	"math"
	"sync"

	"github.com/starfail/fixgate/pkg"
	"github.com/starfail/fixgate/pkg/logx"
)

// Reader resolves a temperature from the ambient sensor, falling back to
// the battery temperature. Readings are NaN when neither is available.
type Reader struct {
	ambient pkg.TemperatureSource
	battery pkg.TemperatureSource
	logger  *logx.Logger

	mu       sync.Mutex
	cached   float64
	noticed  bool
	onNotice func(msg string)
}

// NewReader creates a reader. Either source may be nil.
func NewReader(ambient, battery pkg.TemperatureSource, logger *logx.Logger) *Reader {
	if logger == nil {
		logger = logx.Discard()
	}
	return &Reader{
		ambient: ambient,
		battery: battery,
		logger:  logger,
		cached:  pkg.TemperatureUnavailable,
	}
}

// OnNotice registers fn to receive the one-time missing sensor notice
func (r *Reader) OnNotice(fn func(msg string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNotice = fn
}

// Update caches an ambient reading pushed by the sensor. NaN clears the cache.
func (r *Reader) Update(celsius float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = celsius
}

// Cached returns the last pushed ambient reading
func (r *Reader) Cached() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached
}

// Temperature returns the best available reading in Celsius
func (r *Reader) Temperature(ctx context.Context) float64 {
	if t := r.Cached(); !math.IsNaN(t) {
		return t
	}

	if r.ambient != nil {
		if t := r.ambient.Temperature(ctx); !math.IsNaN(t) {
			return t
		}
	}
	r.notice()

	if r.battery != nil {
		if t := r.battery.Temperature(ctx); !math.IsNaN(t) {
			return t
		}
	}
	return pkg.TemperatureUnavailable
}

func (r *Reader) notice() {
	r.mu.Lock()
	if r.noticed {
		r.mu.Unlock()
		return
	}
	r.noticed = true
	fn := r.onNotice
	r.mu.Unlock()

	const msg = "no ambient temperature sensor, using battery temperature"
	r.logger.Info(msg)
	if fn != nil {
		fn(msg)
	}
}
