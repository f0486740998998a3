package runner

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgsvg"
)

const (
	plotWidth  = 10 * vg.Inch
	plotHeight = 4 * vg.Inch
)

func newPlot(title, ylabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = ylabel
	p.X.Padding, p.Y.Padding = 0, 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	return p
}

func addLine(p *plot.Plot, values []float64, name string, ix int) error {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(i + 1)
		pts[i].Y = v
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrapf(err, "plot %s", name)
	}
	l.Width = vg.Points(2)
	l.Color = plotutil.Color(ix)
	p.Add(l)
	p.Legend.Add(name, l)
	return nil
}

// plotHistory draws loss and accuracy side by side and writes an SVG
// next to the record.
func plotHistory(r *Record, dir string) (string, error) {
	panels := []struct {
		title string
		keys  []string
	}{
		{"loss", []string{"loss", "val_loss"}},
		{"accuracy", []string{"accuracy", "val_accuracy"}},
	}
	row := make([]*plot.Plot, len(panels))
	for i, panel := range panels {
		p := newPlot(r.ModelName+" "+panel.title, panel.title)
		for j, key := range panel.keys {
			if values := r.History[key]; len(values) > 0 {
				if err := addLine(p, values, key, j); err != nil {
					return "", err
				}
			}
		}
		row[i] = p
	}

	img := vgsvg.New(plotWidth, plotHeight)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: 1, Cols: len(row),
		PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Points(2), PadBottom: vg.Points(2),
		PadLeft: vg.Points(2), PadRight: vg.Points(2),
	}
	plots := [][]*plot.Plot{row}
	canvases := plot.Align(plots, tiles, dc)
	for j, p := range row {
		p.Draw(canvases[0][j])
	}

	path := filepath.Join(dir, r.ModelName+".svg")
	f, err := os.Create(path)
	if err != nil {
		return path, err
	}
	if _, err := img.WriteTo(f); err != nil {
		f.Close()
		return path, err
	}
	return path, f.Close()
}
