package runlog

import (
	"fmt"
	"image/color"
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/tsawler/go-mil/training"
)

var (
	trainColor  = color.RGBA{R: 0xFF, G: 0x6B, B: 0x6B, A: 0xFF}
	validColor  = color.RGBA{R: 0x5F, G: 0x27, B: 0xCD, A: 0xFF}
	chanceColor = color.RGBA{R: 0x95, G: 0xA5, B: 0xA6, A: 0xFF}
)

// writeROC renders the validation ROC curve to roc.png.
func (r *Recorder) writeROC(res *training.PhaseResult) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("ROC fold %d epoch %d (AUC %.4f)", res.Fold, res.Epoch, res.Eval.AUC)
	p.X.Label.Text = "False Positive Rate"
	p.Y.Label.Text = "True Positive Rate"
	p.X.Min, p.X.Max, p.Y.Min, p.Y.Max = 0, 1, 0, 1
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(res.Eval.ROC))
	for i, pt := range res.Eval.ROC {
		pts[i].X, pts[i].Y = pt.FPR, pt.TPR
	}
	curve, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "roc line")
	}
	curve.Color = trainColor
	curve.Width = vg.Points(2)

	chance, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return errors.Wrap(err, "chance line")
	}
	chance.Color = chanceColor
	chance.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}

	p.Add(curve, chance)
	p.Legend.Add("ROC", curve)
	p.Legend.Add("chance", chance)
	p.Legend.Left, p.Legend.Top = false, false
	return savePNG(r.fs, p, 6*vg.Inch, 6*vg.Inch, path.Join(r.dirs.Predictions, "roc.png"))
}

// writeCurves renders loss and AUC per epoch for both phases to curves.png.
func (r *Recorder) writeCurves(records []EpochRecord) error {
	series := map[string]plotter.XYs{}
	for _, rec := range records {
		series[rec.Phase+" loss"] = append(series[rec.Phase+" loss"], plotter.XY{X: float64(rec.Epoch), Y: rec.Loss})
		series[rec.Phase+" auc"] = append(series[rec.Phase+" auc"], plotter.XY{X: float64(rec.Epoch), Y: rec.AUC})
	}

	p := plot.New()
	p.Title.Text = "Training curves"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss / AUC"
	p.Add(plotter.NewGrid())

	for _, phase := range []training.Phase{training.PhaseTrain, training.PhaseValid} {
		c := trainColor
		if phase == training.PhaseValid {
			c = validColor
		}
		for _, metric := range []string{"loss", "auc"} {
			name := string(phase) + " " + metric
			pts, ok := series[name]
			if !ok {
				continue
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return errors.Wrapf(err, "%s line", name)
			}
			line.Color = c
			line.Width = vg.Points(1.5)
			if metric == "auc" {
				line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
			}
			p.Add(line)
			p.Legend.Add(name, line)
		}
	}
	return savePNG(r.fs, p, 8*vg.Inch, 5*vg.Inch, path.Join(r.dirs.Runs, "curves.png"))
}

func savePNG(fs afero.Fs, p *plot.Plot, w, h vg.Length, name string) error {
	wt, err := p.WriterTo(w, h, "png")
	if err != nil {
		return errors.Wrapf(err, "render %s", name)
	}
	f, err := fs.Create(name)
	if err != nil {
		return errors.Wrapf(err, "create %s", name)
	}
	defer f.Close()
	_, err = wt.WriteTo(f)
	return errors.Wrapf(err, "write %s", name)
}
