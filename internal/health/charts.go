package health

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/wheelcore/internal/engine"
	"github.com/banshee-data/wheelcore/internal/httputil"
	"github.com/banshee-data/wheelcore/internal/pipeline"
)

const transferSamples = 101

// renderBlackboxPage draws torque and timing charts for frames as an HTML page.
func renderBlackboxPage(frames []engine.BlackboxFrame) ([]byte, error) {
	x := make([]string, len(frames))
	ffb := make([]opts.LineData, len(frames))
	out := make([]opts.LineData, len(frames))
	mult := make([]opts.LineData, len(frames))
	jitter := make([]opts.LineData, len(frames))
	proc := make([]opts.LineData, len(frames))
	for i, f := range frames {
		x[i] = strconv.FormatUint(f.Seq, 10)
		ffb[i] = opts.LineData{Value: f.FFBIn}
		out[i] = opts.LineData{Value: f.Torque}
		mult[i] = opts.LineData{Value: f.Multiplier}
		jitter[i] = opts.LineData{Value: f.Jitter.Microseconds()}
		proc[i] = opts.LineData{Value: f.Processing.Microseconds()}
	}
	subtitle := fmt.Sprintf("frames=%d", len(frames))

	torque := charts.NewLine()
	torque.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Wheel Black Box", Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Torque", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "torque"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	torque.SetXAxis(x).
		AddSeries("ffb_in", ffb).
		AddSeries("torque", out).
		AddSeries("multiplier", mult)

	timing := charts.NewLine()
	timing.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Timing"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "µs"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	timing.SetXAxis(x).
		AddSeries("jitter", jitter).
		AddSeries("processing", proc)

	page := components.NewPage()
	page.AddCharts(torque, timing)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderTransferPNG plots the static magnitude mapping of p against the
// identity line.
func renderTransferPNG(p *pipeline.Pipeline) ([]byte, error) {
	pl := plot.New()
	snap := p.Snapshot()
	pl.Title.Text = "Force transfer " + snap.Fingerprint
	pl.X.Label.Text = "input"
	pl.Y.Label.Text = "output"
	pl.X.Min, pl.X.Max = 0, 1
	pl.Y.Min, pl.Y.Max = 0, 1
	pl.Add(plotter.NewGrid())

	identity, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return nil, err
	}
	identity.Color = color.Gray{Y: 160}
	identity.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}

	pts := make(plotter.XYs, transferSamples)
	for i := range pts {
		x := float64(i) / (transferSamples - 1)
		pts[i].X, pts[i].Y = x, p.Transfer(x)
	}
	transfer, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	transfer.Width = vg.Points(2)
	transfer.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}

	pl.Add(identity, transfer)
	pl.Legend.Add("identity", identity)
	pl.Legend.Add("transfer", transfer)
	pl.Legend.Top = true
	pl.Legend.Left = true

	wt, err := pl.WriterTo(5*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func handleBlackboxChart(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		n, err := queryInt(r, "n", defaultBlackboxFrames)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		page, err := renderBlackboxPage(deps.Engine.BlackboxFrames(min(n, maxBlackboxFrames)))
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	}
}

func handleTransferPlot(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		img, err := renderTransferPNG(deps.Pipeline.Current())
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}
}
