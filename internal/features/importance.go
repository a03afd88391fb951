package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Importance is a feature's absolute Pearson correlation with the target.
type Importance struct {
	Feature     string  `json:"feature"`
	Correlation float64 `json:"correlation"`
	Sign        string  `json:"correlation_sign"`
}

// FeatureImportance ranks every non-target column by |r| with quantity,
// strongest first. Constant columns have no defined correlation and are skipped.
func FeatureImportance(f *Frame) []Importance {
	target := f.Quantity()
	if len(target) < 2 {
		return nil
	}
	var out []Importance
	for _, name := range f.Columns() {
		if name == ColQuantity {
			continue
		}
		col, _ := f.Column(name)
		r := pearson(col, target)
		if math.IsNaN(r) {
			continue
		}
		sign := "negative"
		if r > 0 {
			sign = "positive"
		}
		out = append(out, Importance{Feature: name, Correlation: math.Abs(r), Sign: sign})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Correlation > out[j].Correlation })
	return out
}

func pearson(x, y []float64) float64 {
	if stat.StdDev(x, nil) == 0 || stat.StdDev(y, nil) == 0 {
		return math.NaN()
	}
	return stat.Correlation(x, y, nil)
}
