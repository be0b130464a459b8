package gps

import (
	"github.com/paulmach/orb/geojson"
)

// TrackFeature wraps the accepted points of a filter as a GeoJSON feature.
func TrackFeature(f *Filter, props map[string]any) *geojson.Feature {
	feature := geojson.NewFeature(f.Track())
	for k, v := range props {
		feature.Properties[k] = v
	}
	feature.Properties["distance_m"] = f.TotalM()
	return feature
}

// MarshalTrack encodes the accepted track as a GeoJSON FeatureCollection.
func MarshalTrack(f *Filter, props map[string]any) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	fc.Append(TrackFeature(f, props))
	return fc.MarshalJSON()
}
