// Package gps turns a stream of raw position samples into a filtered cumulative distance.
package gps

import (
	"math"
	"time"

	"github.com/paulmach/orb"
)

const (
	// EarthRadiusM is the mean earth radius used by Haversine.
	EarthRadiusM = 6371000.0
	// MaxAccuracyM is the largest accuracy radius a sample may report and still count.
	MaxAccuracyM = 50.0
	// MinDeltaM is the movement at or below which a sample is treated as noise.
	MinDeltaM = 1.0
	// MaxSpeedMps bounds plausible movement between two samples (360 km/h).
	MaxSpeedMps = 100.0
)

// Sample is one raw position fix. Point is (longitude, latitude).
type Sample struct {
	Point     orb.Point
	Time      time.Time
	AccuracyM float64
	SpeedMps  *float64
}

// Reason explains why a sample was accepted or rejected.
type Reason string

const (
	ReasonReference   Reason = "reference"
	ReasonAccepted    Reason = "accepted"
	ReasonLowAccuracy Reason = "low_accuracy"
	ReasonStationary  Reason = "stationary"
	ReasonJump        Reason = "jump"
)

// Result is the outcome of processing one sample.
type Result struct {
	Accepted bool
	Reason   Reason
	DeltaM   float64
	TotalM   float64
	// SpeedKmh is the sample's reported speed converted for display; nil when the device sent none.
	SpeedKmh *float64
}

// TotalKm returns the cumulative distance in kilometers.
func (r Result) TotalKm() float64 {
	return r.TotalM / 1000
}

// Haversine returns the great-circle distance in meters between two (lon, lat) points.
func Haversine(a, b orb.Point) float64 {
	lat1 := a.Lat() * math.Pi / 180
	lat2 := b.Lat() * math.Pi / 180
	dLat := (b.Lat() - a.Lat()) * math.Pi / 180
	dLon := (b.Lon() - a.Lon()) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Filter accumulates distance across samples processed in arrival order.
// It is not safe for concurrent use; a single Watcher owns it.
type Filter struct {
	ref    *Sample
	totalM float64
	track  orb.LineString
}

// NewFilter constructs an empty Filter.
func NewFilter() *Filter {
	return &Filter{}
}

// Process applies one sample. Rejected samples leave the reference and total untouched.
func (f *Filter) Process(s Sample) Result {
	res := Result{Reason: ReasonAccepted, SpeedKmh: speedKmh(s.SpeedMps)}

	if f.ref == nil {
		ref := s
		f.ref = &ref
		f.track = append(f.track, s.Point)
		res.Accepted = true
		res.Reason = ReasonReference
		res.TotalM = f.totalM
		observeSample(res.Reason)
		return res
	}

	res.TotalM = f.totalM
	delta := Haversine(f.ref.Point, s.Point)
	elapsed := s.Time.Sub(f.ref.Time).Seconds()

	switch {
	case s.AccuracyM > MaxAccuracyM:
		res.Reason = ReasonLowAccuracy
	case delta <= MinDeltaM:
		res.Reason = ReasonStationary
	case elapsed <= 0 || delta > elapsed*MaxSpeedMps:
		res.Reason = ReasonJump
	default:
		f.totalM += delta
		ref := s
		f.ref = &ref
		f.track = append(f.track, s.Point)
		res.Accepted = true
		res.DeltaM = delta
		res.TotalM = f.totalM
	}
	observeSample(res.Reason)
	return res
}

// TotalM returns the accumulated distance in meters.
func (f *Filter) TotalM() float64 {
	return f.totalM
}

// Reference returns the current reference sample, if any.
func (f *Filter) Reference() (Sample, bool) {
	if f.ref == nil {
		return Sample{}, false
	}
	return *f.ref, true
}

// Track returns a copy of the accepted points.
func (f *Filter) Track() orb.LineString {
	return append(orb.LineString(nil), f.track...)
}

func speedKmh(mps *float64) *float64 {
	if mps == nil {
		return nil
	}
	kmh := *mps * 3.6
	return &kmh
}
