package chart

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/shopspring/decimal"
	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// DateLayout is the day/month/year layout used on axes and titles.
const DateLayout = "02/01/2006"

// ErrNotEnoughData is returned when a series has fewer than two points.
var ErrNotEnoughData = errors.New("chart: at least two points are required")

// Point is one (date, value) pair of a rate series.
type Point struct {
	Date  time.Time
	Value decimal.Decimal
}

// Renderer draws rate series as PNG line charts.
type Renderer struct {
	Width  int
	Height int
}

// NewRenderer returns a Renderer with the given geometry, falling back to 1280x720.
func NewRenderer(width, height int) *Renderer {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}
	return &Renderer{Width: width, Height: height}
}

// Title builds the caption for a currency series spanning points.
func Title(code string, points []Point) string {
	if len(points) == 0 {
		return fmt.Sprintf("Cost of %s", code)
	}
	return fmt.Sprintf("Cost of %s from %s to %s",
		code,
		points[0].Date.Format(DateLayout),
		points[len(points)-1].Date.Format(DateLayout),
	)
}

// Render writes a PNG line chart of points, which must be in date order.
func (r *Renderer) Render(w io.Writer, title string, points []Point) error {
	if len(points) < 2 {
		return ErrNotEnoughData
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Date
		y[i] = p.Value.InexactFloat64()
	}

	yAxis := gochart.YAxis{
		ValueFormatter: func(v interface{}) string {
			return gochart.FloatValueFormatterWithFormat(v, "%.2f")
		},
	}
	if lo, hi := bounds(y); lo == hi {
		// a flat series has no y-range of its own
		yAxis.Range = &gochart.ContinuousRange{Min: lo - 1, Max: hi + 1}
	}

	graph := gochart.Chart{
		Width:  r.Width,
		Height: r.Height,
		XAxis: gochart.XAxis{
			Name: title,
			ValueFormatter: func(v interface{}) string {
				return gochart.TimeValueFormatterWithFormat(DateLayout)(v)
			},
		},
		YAxis: yAxis,
		Series: []gochart.Series{
			gochart.TimeSeries{
				XValues: x,
				YValues: y,
				Style: gochart.Style{
					StrokeColor: drawing.ColorFromHex("ffa500"),
					StrokeWidth: 2,
				},
			},
		},
	}

	if err := graph.Render(gochart.PNG, w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func bounds(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// RenderPNG renders into memory.
func (r *Renderer) RenderPNG(title string, points []Point) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Render(&buf, title, points); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Downsample keeps at most max evenly spaced points, always including both ends.
func Downsample(points []Point, max int) []Point {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]Point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}
