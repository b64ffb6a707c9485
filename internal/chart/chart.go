// Package chart renders snapshot price history as PNG line charts.
package chart

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"golang.org/x/image/font/gofont/goregular"

	"stock-cockpit/internal/types"
	"stock-cockpit/lib/helpers"
)

var ErrNotEnoughData = errors.New("at least two snapshots are needed for a chart")

var (
	backgroundColor = drawing.Color{R: 55, G: 55, B: 55, A: 255}
	textColor       = drawing.Color{R: 200, G: 200, B: 200, A: 255}
	gridColor       = drawing.Color{R: 100, G: 100, B: 100, A: 128}
	seriesColor     = drawing.Color{R: 0, G: 122, B: 255, A: 255}
	targetColor     = drawing.Color{R: 255, G: 149, B: 0, A: 255}
)

var (
	fontOnce sync.Once
	font     *truetype.Font
	fontErr  error
)

func loadFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		font, fontErr = truetype.Parse(goregular.TTF)
	})
	return font, fontErr
}

type Options struct {
	Title string
	// Target draws a dashed horizontal line, e.g. an alert threshold. Zero hides it.
	Target float64
	Width  int
	Height int
}

// RenderHistory draws the price of snaps, which must be in time order.
func RenderHistory(snaps []types.Snapshot, opts Options) ([]byte, error) {
	if len(snaps) < 2 {
		return nil, ErrNotEnoughData
	}
	if opts.Width <= 0 {
		opts.Width = 1200
	}
	if opts.Height <= 0 {
		opts.Height = 600
	}

	f, err := loadFont()
	if err != nil {
		return nil, errors.Wrap(err, "load font")
	}

	times := make([]time.Time, len(snaps))
	prices := make([]float64, len(snaps))
	for i, s := range snaps {
		times[i] = s.CapturedAt
		prices[i] = s.Price
	}

	minPrice, maxPrice := minMax(prices)
	if opts.Target > 0 {
		minPrice = min(minPrice, opts.Target)
		maxPrice = max(maxPrice, opts.Target)
	}
	padding := (maxPrice - minPrice) * 0.1
	if padding == 0 {
		padding = maxPrice * 0.01
	}

	series := []gochart.Series{
		gochart.TimeSeries{
			Name: "price",
			Style: gochart.Style{
				StrokeColor: seriesColor,
				StrokeWidth: 2,
				FillColor:   seriesColor.WithAlpha(40),
			},
			XValues: times,
			YValues: prices,
		},
	}
	if opts.Target > 0 {
		series = append(series, gochart.TimeSeries{
			Name: "target",
			Style: gochart.Style{
				StrokeColor:     targetColor,
				StrokeWidth:     1.5,
				StrokeDashArray: []float64{6, 4},
			},
			XValues: []time.Time{times[0], times[len(times)-1]},
			YValues: []float64{opts.Target, opts.Target},
		})
	}

	axisStyle := gochart.Style{FontColor: textColor, FontSize: 10, StrokeColor: gridColor}
	graph := gochart.Chart{
		Title:      opts.Title,
		TitleStyle: gochart.Style{FontColor: textColor, FontSize: 14},
		Width:      opts.Width,
		Height:     opts.Height,
		Font:       f,
		Background: gochart.Style{
			FillColor: backgroundColor,
			Padding:   gochart.Box{Top: 50, Left: 20, Right: 20, Bottom: 20},
		},
		Canvas: gochart.Style{FillColor: backgroundColor},
		XAxis: gochart.XAxis{
			Style:          axisStyle,
			ValueFormatter: gochart.TimeHourValueFormatter,
		},
		YAxis: gochart.YAxis{
			Style:          axisStyle,
			GridMajorStyle: gochart.Style{StrokeColor: gridColor, StrokeWidth: 1},
			Range:          &gochart.ContinuousRange{Min: minPrice - padding, Max: maxPrice + padding},
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return helpers.FormatPrice(f, false)
				}
				return fmt.Sprint(v)
			},
		},
		Series: series,
	}

	var buf bytes.Buffer
	if err := graph.Render(gochart.PNG, &buf); err != nil {
		return nil, errors.Wrap(err, "render chart")
	}
	return buf.Bytes(), nil
}

func minMax(values []float64) (lo, hi float64) {
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}
