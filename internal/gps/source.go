package gps

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// fixRecord is one line of a newline-delimited JSON position feed.
type fixRecord struct {
	Lat       *float64  `json:"lat"`
	Lon       *float64  `json:"lon"`
	Time      time.Time `json:"time"`
	AccuracyM float64   `json:"accuracy"`
	SpeedMps  *float64  `json:"speed,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ReadNDJSON starts a producer goroutine that decodes one position fix per
// line of r and sends it on the returned channel, which is closed at EOF or
// when ctx is cancelled. A line of the form {"error":"timeout"} is forwarded
// as a Reading carrying the matching error.
func ReadNDJSON(ctx context.Context, r io.Reader) <-chan Reading {
	out := make(chan Reading)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			reading := decodeFix([]byte(line))
			select {
			case out <- reading:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- Reading{Err: fmt.Errorf("%w: %v", ErrPositionUnavailable, err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func decodeFix(line []byte) Reading {
	var rec fixRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Reading{Err: fmt.Errorf("%w: malformed fix: %v", ErrPositionUnavailable, err)}
	}
	if rec.Error != "" {
		return Reading{Err: sourceError(rec.Error)}
	}
	if rec.Lat == nil || rec.Lon == nil {
		return Reading{Err: fmt.Errorf("%w: fix without coordinates", ErrPositionUnavailable)}
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	return Reading{Sample: Sample{
		Point:     orb.Point{*rec.Lon, *rec.Lat},
		Time:      rec.Time,
		AccuracyM: rec.AccuracyM,
		SpeedMps:  rec.SpeedMps,
	}}
}

func sourceError(code string) error {
	switch strings.ToLower(code) {
	case "permission_denied":
		return ErrPermissionDenied
	case "timeout":
		return ErrTimeout
	default:
		return fmt.Errorf("%w: %s", ErrPositionUnavailable, code)
	}
}
