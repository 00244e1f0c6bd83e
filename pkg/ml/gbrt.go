package ml

import (
	"errors"
	"math"
	"sort"
)

// gbrtConfig controls the boosted ensemble fit
type gbrtConfig struct {
	NumTrees       int     `json:"num_trees"`
	MaxDepth       int     `json:"max_depth"`
	LearningRate   float64 `json:"learning_rate"`
	MinLeafSamples int     `json:"min_leaf_samples"`
}

func defaultGBRTConfig() gbrtConfig {
	return gbrtConfig{
		NumTrees:       50,
		MaxDepth:       3,
		LearningRate:   0.1,
		MinLeafSamples: 2,
	}
}

// treeNode is one node of a regression tree. Leaves carry the prediction;
// internal nodes split on feature <= threshold.
type treeNode struct {
	Leaf      bool      `json:"leaf"`
	Value     float64   `json:"value,omitempty"`
	Feature   int       `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Left      *treeNode `json:"left,omitempty"`
	Right     *treeNode `json:"right,omitempty"`
}

func (n *treeNode) predict(x []float64) float64 {
	if n.Leaf {
		return n.Value
	}
	if x[n.Feature] <= n.Threshold {
		return n.Left.predict(x)
	}
	return n.Right.predict(x)
}

// gbrtModel is a gradient-boosted ensemble of depth-limited regression trees
// fit on squared error. The fit is fully deterministic: no subsampling, and
// candidate splits are scanned in feature then threshold order.
type gbrtModel struct {
	Base         float64     `json:"base"`
	LearningRate float64     `json:"learning_rate"`
	Trees        []*treeNode `json:"trees"`
	FeatureNames []string    `json:"feature_names"`
}

var errTooFewSamples = errors.New("too few samples to fit")

// fitGBRT fits the ensemble: start from the mean label, then repeatedly fit a
// tree to the residuals and add it with shrinkage.
func fitGBRT(cfg gbrtConfig, names []string, X [][]float64, y []float64) (*gbrtModel, error) {
	if len(X) < 2 || len(X) != len(y) {
		return nil, errTooFewSamples
	}

	base := mean(y)
	residuals := make([]float64, len(y))
	for i, v := range y {
		residuals[i] = v - base
	}

	model := &gbrtModel{
		Base:         base,
		LearningRate: cfg.LearningRate,
		FeatureNames: append([]string(nil), names...),
	}

	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}

	for t := 0; t < cfg.NumTrees; t++ {
		tree := buildTree(cfg, X, residuals, idx, cfg.MaxDepth)
		model.Trees = append(model.Trees, tree)
		for i, x := range X {
			residuals[i] -= cfg.LearningRate * tree.predict(x)
		}
	}
	return model, nil
}

func (m *gbrtModel) predict(x []float64) float64 {
	out := m.Base
	for _, t := range m.Trees {
		out += m.LearningRate * t.predict(x)
	}
	return out
}

// buildTree grows a regression tree greedily on the index subset.
func buildTree(cfg gbrtConfig, X [][]float64, y []float64, idx []int, depth int) *treeNode {
	if depth == 0 || len(idx) < 2*cfg.MinLeafSamples {
		return &treeNode{Leaf: true, Value: meanAt(y, idx)}
	}

	feature, threshold, ok := bestSplit(cfg, X, y, idx)
	if !ok {
		return &treeNode{Leaf: true, Value: meanAt(y, idx)}
	}

	var left, right []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	return &treeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      buildTree(cfg, X, y, left, depth-1),
		Right:     buildTree(cfg, X, y, right, depth-1),
	}
}

// bestSplit scans every feature and every midpoint between adjacent distinct
// values, minimizing the summed squared error of the two children.
func bestSplit(cfg gbrtConfig, X [][]float64, y []float64, idx []int) (feature int, threshold float64, ok bool) {
	bestErr := math.Inf(1)
	numFeatures := len(X[idx[0]])

	for f := 0; f < numFeatures; f++ {
		values := make([]float64, 0, len(idx))
		for _, i := range idx {
			values = append(values, X[i][f])
		}
		sort.Float64s(values)

		for v := 1; v < len(values); v++ {
			if values[v] == values[v-1] {
				continue
			}
			th := (values[v] + values[v-1]) / 2

			var leftSum, rightSum float64
			var leftN, rightN int
			for _, i := range idx {
				if X[i][f] <= th {
					leftSum += y[i]
					leftN++
				} else {
					rightSum += y[i]
					rightN++
				}
			}
			if leftN < cfg.MinLeafSamples || rightN < cfg.MinLeafSamples {
				continue
			}

			leftMean := leftSum / float64(leftN)
			rightMean := rightSum / float64(rightN)
			var err float64
			for _, i := range idx {
				var d float64
				if X[i][f] <= th {
					d = y[i] - leftMean
				} else {
					d = y[i] - rightMean
				}
				err += d * d
			}

			if err < bestErr {
				bestErr = err
				feature = f
				threshold = th
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func meanAt(values []float64, idx []int) float64 {
	sum := 0.0
	for _, i := range idx {
		sum += values[i]
	}
	return sum / float64(len(idx))
}
