package classifier

import (
	"Go2FlowGuard/internal/model"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RowSource loads the rows a training run is fitted on.
type RowSource func(ctx context.Context) ([]model.TrainingRow, error)

// Status is a point-in-time view of the holder, served by the status API.
type Status struct {
	Ready     bool      `json:"ready"`
	Training  bool      `json:"training"`
	NFeatures int       `json:"n_features,omitempty"`
	NumTrees  int       `json:"num_trees,omitempty"`
	Criterion string    `json:"criterion,omitempty"`
	TrainedAt time.Time `json:"trained_at,omitempty"`
	Report    *Report   `json:"report,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Holder publishes the current model to the prediction path. The model is
// replaced by swapping a pointer, so in-flight predictions keep using the
// snapshot they loaded. Until a model is published, Predict reports
// model.ErrModelUnavailable and the controller runs forwarding-only.
type Holder struct {
	current  atomic.Pointer[Model]
	report   atomic.Pointer[Report]
	training atomic.Bool

	mu       sync.Mutex
	lastErr  error
	watchers []func(ready bool)
}

// NewHolder returns a holder without a model.
func NewHolder() *Holder {
	return &Holder{}
}

// Ready reports whether a model is available.
func (h *Holder) Ready() bool {
	return h.current.Load() != nil
}

// Model returns the current model or nil.
func (h *Holder) Model() *Model {
	return h.current.Load()
}

// Predict classifies one vector with the current model.
func (h *Holder) Predict(vec model.FeatureVector) (int, error) {
	m := h.current.Load()
	if m == nil {
		return 0, model.ErrModelUnavailable
	}
	return m.Predict(vec)
}

// Swap publishes m (which may be nil to disable classification) and returns
// the previous model.
func (h *Holder) Swap(m *Model, report *Report) *Model {
	prev := h.current.Swap(m)
	h.report.Store(report)

	h.mu.Lock()
	watchers := append([]func(bool){}, h.watchers...)
	h.mu.Unlock()
	for _, w := range watchers {
		w(m != nil)
	}
	return prev
}

// Watch registers fn to be called with the readiness after every Swap.
// fn is also called once immediately with the current readiness.
func (h *Holder) Watch(fn func(ready bool)) {
	h.mu.Lock()
	h.watchers = append(h.watchers, fn)
	h.mu.Unlock()
	fn(h.Ready())
}

// Train loads rows, fits a model and publishes it. On failure the current
// model, if any, stays in place and the error is returned.
func (h *Holder) Train(ctx context.Context, source RowSource, opts Options) error {
	if !h.training.CompareAndSwap(false, true) {
		return ErrTrainingInProgress
	}
	return h.train(ctx, source, opts)
}

// TrainAsync runs Train in the background. ErrTrainingInProgress is returned
// right away when another run holds the holder; otherwise the channel
// receives the result and is then closed.
func (h *Holder) TrainAsync(ctx context.Context, source RowSource, opts Options) (<-chan error, error) {
	if !h.training.CompareAndSwap(false, true) {
		return nil, ErrTrainingInProgress
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- h.train(ctx, source, opts)
	}()
	return done, nil
}

// train expects the training flag to be held by the caller.
func (h *Holder) train(ctx context.Context, source RowSource, opts Options) error {
	defer h.training.Store(false)

	slog.Info("Flow Training ...")
	rows, err := source(ctx)
	if err == nil {
		var (
			m      *Model
			report *Report
		)
		m, report, err = Train(rows, opts)
		if err == nil {
			h.Swap(m, report)
		}
	}

	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
	if err != nil {
		slog.Error("Error during flow training", "error", err)
	}
	return err
}

// Status returns the current readiness and diagnostics.
func (h *Holder) Status() Status {
	st := Status{Training: h.training.Load(), Report: h.report.Load()}
	if m := h.current.Load(); m != nil {
		st.Ready = true
		st.NFeatures = m.NFeatures()
		st.NumTrees = m.NumTrees()
		st.Criterion = m.Criterion()
		st.TrainedAt = m.TrainedAt()
	}
	h.mu.Lock()
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	h.mu.Unlock()
	return st
}
