// Package sun turns the position of the sun into brightness and colour
// temperature targets for adaptive lighting.
package sun

import (
	"math"
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"

	"areagroups/internal/clock"
)

// Calculator tracks today's sunrise and sunset for one location.
type Calculator struct {
	latitude  float64
	longitude float64
	clock     clock.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	day     time.Time
	sunrise time.Time
	sunset  time.Time
}

// Lighting is a target for a single adjustment.
type Lighting struct {
	BrightnessPct   int
	ColorTempKelvin int
}

// NewCalculator creates a calculator for the given coordinates.
func NewCalculator(latitude, longitude float64, clk clock.Clock, logger *zap.Logger) *Calculator {
	return &Calculator{
		latitude:  latitude,
		longitude: longitude,
		clock:     clk,
		logger:    logger.Named("sun"),
	}
}

// SunTimes returns sunrise and sunset for the local solar day containing now.
// Both are zero during polar day or night.
func (c *Calculator) SunTimes() (time.Time, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateLocked()
	return c.sunrise, c.sunset
}

func (c *Calculator) updateLocked() {
	// Approximate local solar time so the date flips near local midnight.
	solar := c.clock.Now().UTC().Add(time.Duration(c.longitude / 15 * float64(time.Hour)))
	day := time.Date(solar.Year(), solar.Month(), solar.Day(), 0, 0, 0, 0, time.UTC)
	if day.Equal(c.day) {
		return
	}

	c.sunrise, c.sunset = sunrise.SunriseSunset(c.latitude, c.longitude, day.Year(), day.Month(), day.Day())
	c.day = day

	c.logger.Info("Sun times updated",
		zap.Time("sunrise", c.sunrise),
		zap.Time("sunset", c.sunset))
}

// Progress is 0 before sunrise and after sunset and rises to 1 at solar noon
// along a sine curve.
func (c *Calculator) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateLocked()
	return progress(c.clock.Now(), c.sunrise, c.sunset)
}

func progress(now, rise, set time.Time) float64 {
	if rise.IsZero() || set.IsZero() || !set.After(rise) {
		return 0
	}
	if now.Before(rise) || now.After(set) {
		return 0
	}
	fraction := float64(now.Sub(rise)) / float64(set.Sub(rise))
	return math.Sin(math.Pi * fraction)
}

// Interpolate maps a progress value onto the configured ranges.
func Interpolate(p float64, minBrightness, maxBrightness, minKelvin, maxKelvin int) Lighting {
	p = math.Max(0, math.Min(1, p))
	return Lighting{
		BrightnessPct:   lerp(minBrightness, maxBrightness, p),
		ColorTempKelvin: lerp(minKelvin, maxKelvin, p),
	}
}

func lerp(lo, hi int, p float64) int {
	return lo + int(math.Round(float64(hi-lo)*p))
}

// Current returns the lighting target for now.
func (c *Calculator) Current(minBrightness, maxBrightness, minKelvin, maxKelvin int) Lighting {
	return Interpolate(c.Progress(), minBrightness, maxBrightness, minKelvin, maxKelvin)
}
