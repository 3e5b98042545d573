package classifier

import (
	"Go2FlowGuard/internal/model"
	"time"
)

// Model is an immutable random forest produced by one training run.
// Retraining builds a new Model; an existing one is never modified.
type Model struct {
	trees     []Tree
	features  int
	criterion string
	trainedAt time.Time
}

// NFeatures returns the vector width the model was trained on.
func (m *Model) NFeatures() int { return m.features }

// NumTrees returns the ensemble size.
func (m *Model) NumTrees() int { return len(m.trees) }

// MaxDepth returns the depth of the deepest tree.
func (m *Model) MaxDepth() int {
	depth := 0
	for i := range m.trees {
		depth = max(depth, m.trees[i].Depth())
	}
	return depth
}

// Criterion returns the split criterion used during training.
func (m *Model) Criterion() string { return m.criterion }

// TrainedAt returns when the model was built.
func (m *Model) TrainedAt() time.Time { return m.trainedAt }

// Predict returns 0 (benign) or 1 (malicious) by majority vote of the trees.
// Ties go to benign.
func (m *Model) Predict(vec model.FeatureVector) (int, error) {
	if len(vec) != m.features {
		return 0, &model.FeatureMismatchError{Expected: m.features, Got: len(vec)}
	}
	var votes [numClasses]int
	for i := range m.trees {
		votes[m.trees[i].Predict(vec)]++
	}
	return majority(votes), nil
}
