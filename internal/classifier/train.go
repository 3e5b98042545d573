package classifier

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/model"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Split criteria.
const (
	CriterionEntropy = "entropy"
	CriterionGini    = "gini"
)

// Options are the training hyper-parameters.
type Options struct {
	NumTrees        int
	Criterion       string
	MaxDepth        int
	MinSamplesSplit int
	TestSize        float64
	Seed            uint64
}

// DefaultOptions returns a 10 tree entropy forest evaluated on a 25% hold-out.
func DefaultOptions() Options {
	return Options{
		NumTrees:        10,
		Criterion:       CriterionEntropy,
		MinSamplesSplit: 2,
		TestSize:        0.25,
	}
}

// OptionsFromConfig maps the classifier section of the configuration.
func OptionsFromConfig(cfg config.ClassifierConfig) Options {
	return Options{
		NumTrees:        cfg.NumTrees,
		Criterion:       cfg.Criterion,
		MaxDepth:        cfg.MaxDepth,
		MinSamplesSplit: cfg.MinSamplesSplit,
		TestSize:        cfg.TestSize,
		Seed:            cfg.Seed,
	}
}

// Report holds the hold-out diagnostics of a training run. Confusion is
// indexed [actual][predicted].
type Report struct {
	TrainRows int                         `json:"train_rows"`
	TestRows  int                         `json:"test_rows"`
	Accuracy  float64                     `json:"accuracy"`
	FailRate  float64                     `json:"fail_rate"`
	Confusion [numClasses][numClasses]int `json:"confusion"`
	Duration  time.Duration               `json:"duration"`
}

// ConfusionString renders the matrix the way it is logged.
func (r *Report) ConfusionString() string {
	var b strings.Builder
	for _, row := range r.Confusion {
		fmt.Fprintf(&b, "[%d %d]\n", row[0], row[1])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Train fits a random forest on a seeded 1-TestSize share of rows and scores
// it on the rest. It fails with a *model.DatasetError when the rows cannot be
// used, in which case no model is produced.
func Train(rows []model.TrainingRow, opts Options) (*Model, *Report, error) {
	start := time.Now()
	if err := validateRows(rows); err != nil {
		return nil, nil, err
	}
	opts = normalize(opts)

	trainIdx, testIdx, err := TrainTestSplit(len(rows), opts.TestSize, opts.Seed)
	if err != nil {
		return nil, nil, err
	}

	x := make([][]float64, len(trainIdx))
	y := make([]int, len(trainIdx))
	for i, j := range trainIdx {
		x[i] = rows[j].Features
		y[i] = rows[j].Label
	}
	if c := classCounts(y, allIndices(len(y))); c[0] == 0 || c[1] == 0 {
		slog.Warn("Training split contains a single class", "benign", c[0], "malicious", c[1])
	}

	m := fit(x, y, opts)

	report := &Report{TrainRows: len(trainIdx), TestRows: len(testIdx)}
	correct := 0
	for _, j := range testIdx {
		pred, err := m.Predict(rows[j].Features)
		if err != nil {
			return nil, nil, err
		}
		report.Confusion[rows[j].Label][pred]++
		if pred == rows[j].Label {
			correct++
		}
	}
	report.Accuracy = float64(correct) / float64(len(testIdx))
	report.FailRate = 1 - report.Accuracy
	report.Duration = time.Since(start)

	slog.Info("Confusion Matrix:\n" + report.ConfusionString())
	slog.Info(fmt.Sprintf("Accuracy = %.2f%%", report.Accuracy*100))
	slog.Info(fmt.Sprintf("Fail Rate = %.2f%%", report.FailRate*100))
	slog.Info("Training time", "duration", report.Duration, "trees", m.NumTrees(), "train_rows", report.TrainRows)
	return m, report, nil
}

// fit grows the trees concurrently. Every tree owns a generator derived from
// the seed and its index, so the result does not depend on scheduling.
func fit(x [][]float64, y []int, opts Options) *Model {
	features := len(x[0])
	maxFeatures := max(1, int(math.Sqrt(float64(features))))
	impurity := impurityFor(opts.Criterion)

	trees := make([]Tree, opts.NumTrees)
	var wg sync.WaitGroup
	wg.Add(opts.NumTrees)
	for t := 0; t < opts.NumTrees; t++ {
		go func(t int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(t)+1))

			sample := make([]int, len(x))
			for i := range sample {
				sample[i] = rng.IntN(len(x))
			}
			b := &treeBuilder{
				x:               x,
				y:               y,
				rng:             rng,
				impurity:        impurity,
				maxFeatures:     maxFeatures,
				maxDepth:        opts.MaxDepth,
				minSamplesSplit: opts.MinSamplesSplit,
			}
			b.build(sample, 0)
			trees[t] = Tree{Nodes: b.nodes}
		}(t)
	}
	wg.Wait()

	return &Model{
		trees:     trees,
		features:  features,
		criterion: opts.Criterion,
		trainedAt: time.Now(),
	}
}

// TrainTestSplit shuffles the indices 0..n-1 with the seed and returns the
// train and test partitions. The test share is rounded up.
func TrainTestSplit(n int, testSize float64, seed uint64) (train, test []int, err error) {
	if testSize <= 0 || testSize >= 1 {
		return nil, nil, fmt.Errorf("test size must be in (0, 1), got %v", testSize)
	}
	nTest := int(math.Ceil(testSize * float64(n)))
	if n < 2 || nTest >= n {
		return nil, nil, &model.DatasetError{Err: fmt.Errorf("%d rows are too few to split %v/%v", n, 1-testSize, testSize)}
	}

	perm := allIndices(n)
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	return perm[nTest:], perm[:nTest], nil
}

func validateRows(rows []model.TrainingRow) error {
	if len(rows) == 0 {
		return &model.DatasetError{Err: fmt.Errorf("no training rows")}
	}
	width := len(rows[0].Features)
	if width == 0 {
		return &model.DatasetError{Err: fmt.Errorf("training rows have no features")}
	}
	for i, r := range rows {
		if len(r.Features) != width {
			return &model.DatasetError{Err: fmt.Errorf("row %d has %d features, expected %d", i, len(r.Features), width)}
		}
		if r.Label != model.LabelBenign && r.Label != model.LabelMalicious {
			return &model.DatasetError{Column: "label", Err: fmt.Errorf("row %d has label %d", i, r.Label)}
		}
		for j, v := range r.Features {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &model.DatasetError{Column: featureName(j), Err: fmt.Errorf("row %d has non-finite value", i)}
			}
		}
	}
	return nil
}

func normalize(opts Options) Options {
	def := DefaultOptions()
	if opts.NumTrees <= 0 {
		opts.NumTrees = def.NumTrees
	}
	if opts.Criterion != CriterionGini {
		opts.Criterion = CriterionEntropy
	}
	if opts.MinSamplesSplit < 2 {
		opts.MinSamplesSplit = def.MinSamplesSplit
	}
	if opts.TestSize == 0 {
		opts.TestSize = def.TestSize
	}
	return opts
}

func featureName(i int) string {
	if i < model.NumFeatures {
		return model.FeatureNames[i]
	}
	return fmt.Sprintf("feature_%d", i)
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
