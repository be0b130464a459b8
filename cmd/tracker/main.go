package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"example.com/fittrack/internal/gps"
	"example.com/fittrack/internal/tracker"
)

func main() {
	apiURL := flag.String("api", envOr("TRACKER_API_URL", "http://localhost:8080"), "fittrack API base URL")
	token := flag.String("token", os.Getenv("TRACKER_TOKEN"), "bearer token with activities:write")
	name := flag.String("name", "GPS activity", "activity name")
	notes := flag.String("notes", "", "notes attached when the session stops")
	input := flag.String("input", "-", "newline-delimited JSON position fixes, - for stdin")
	geojsonPath := flag.String("geojson", "", "write the accepted track as GeoJSON to this file")
	flag.Parse()

	if *token == "" {
		log.Fatal("a token is required (-token or TRACKER_TOKEN)")
	}

	var source io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.Fatalf("open input: %v", err)
		}
		defer f.Close()
		source = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []tracker.Option{
		tracker.WithStatusHook(func(s gps.Status) {
			switch s.State {
			case gps.StateError:
				log.Printf("gps error: %s", s.Reason)
			case gps.StateActive:
				if s.Last.SpeedKmh != nil {
					log.Printf("gps %s: %.3f km, %.1f km/h", s.Last.Reason, s.Last.TotalKm(), *s.Last.SpeedKmh)
				} else {
					log.Printf("gps %s: %.3f km", s.Last.Reason, s.Last.TotalKm())
				}
			}
		}),
	}
	if *notes != "" {
		opts = append(opts, tracker.WithNotes(*notes))
	}

	client := tracker.NewClient(*apiURL, *token)
	summary, err := tracker.NewSession(client, *name, opts...).Run(ctx, gps.ReadNDJSON(ctx, source))
	if err != nil {
		log.Fatalf("tracking failed: %v", err)
	}

	log.Printf("activity %s saved: %.0f m in %d s (%d pushes, %d failed)",
		summary.Activity.ID, summary.Activity.Distance, summary.Activity.Duration, summary.Pushed, summary.PushFails)

	if *geojsonPath != "" {
		payload, err := gps.MarshalTrack(summary.Filter, map[string]any{
			"activity_id": summary.Activity.ID,
			"name":        summary.Activity.Name,
		})
		if err != nil {
			log.Fatalf("encode track: %v", err)
		}
		if err := os.WriteFile(*geojsonPath, payload, 0o644); err != nil {
			log.Fatalf("write track: %v", err)
		}
		log.Printf("track written to %s", *geojsonPath)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
