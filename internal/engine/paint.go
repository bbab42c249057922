package engine

import "github.com/mohammed-shakir/mapsync/internal/core/model"

// layerType maps a geometry kind to the layer type that renders it.
// Unknown kinds render as circles.
func layerType(k model.GeometryKind) string {
	switch k {
	case model.KindLine:
		return "line"
	case model.KindPolygon:
		return "fill"
	default:
		return "circle"
	}
}

// paintFor builds the paint block for the layer type of k. Zero width or
// radius falls back to def.
func paintFor(k model.GeometryKind, s, def model.Style) map[string]any {
	switch layerType(k) {
	case "line":
		return map[string]any{
			"line-color":   s.Color,
			"line-opacity": s.Opacity,
			"line-width":   orDefault(s.Width, def.Width, 2),
		}
	case "fill":
		return map[string]any{
			"fill-color":         s.Color,
			"fill-opacity":       s.Opacity,
			"fill-outline-color": s.Color,
		}
	default:
		return map[string]any{
			"circle-color":   s.Color,
			"circle-opacity": s.Opacity,
			"circle-radius":  orDefault(s.Radius, def.Radius, 4),
		}
	}
}

func orDefault(v, def, last float64) float64 {
	if v > 0 {
		return v
	}
	if def > 0 {
		return def
	}
	return last
}
