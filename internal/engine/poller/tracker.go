package poller

import (
	"Go2FlowGuard/internal/model"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reasons a reply or request is considered stale.
const (
	ReasonUnknownToken   = "unknown token"
	ReasonDeviceMismatch = "device mismatch"
	ReasonExpired        = "expired"
)

type pendingRequest struct {
	device model.DeviceID
	issued time.Time
}

// Tracker correlates flow counter replies with the requests that caused
// them. Every request gets a fresh token that is valid for one reply within
// the timeout.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]pendingRequest
	timeout time.Duration
	now     func() time.Time
}

// NewTracker creates a tracker whose tokens expire after timeout.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{
		pending: make(map[string]pendingRequest),
		timeout: timeout,
		now:     time.Now,
	}
}

// Issue records a new outstanding request for device and returns its token.
func (t *Tracker) Issue(device model.DeviceID) string {
	token := uuid.NewString()
	t.mu.Lock()
	t.pending[token] = pendingRequest{device: device, issued: t.now()}
	t.mu.Unlock()
	return token
}

// Cancel forgets a request whose send failed.
func (t *Tracker) Cancel(token string) {
	t.mu.Lock()
	delete(t.pending, token)
	t.mu.Unlock()
}

// Accept consumes token for a reply from device. It returns a
// *model.StaleReplyError when the token is unknown (never issued, already
// used or expired and swept), was issued to another device, or arrived past
// the timeout. A zero arrival time means now.
func (t *Tracker) Accept(device model.DeviceID, token string, arrived time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.pending[token]
	if !ok {
		return &model.StaleReplyError{Device: device, Token: token, Reason: ReasonUnknownToken}
	}
	if req.device != device {
		return &model.StaleReplyError{Device: device, Token: token, Reason: ReasonDeviceMismatch}
	}
	delete(t.pending, token)
	if arrived.IsZero() {
		arrived = t.now()
	}
	if arrived.Sub(req.issued) > t.timeout {
		return &model.StaleReplyError{Device: device, Token: token, Reason: ReasonExpired}
	}
	return nil
}

// Expire removes every request older than the timeout and returns them as
// stale errors in no particular order.
func (t *Tracker) Expire() []*model.StaleReplyError {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var stale []*model.StaleReplyError
	for token, req := range t.pending {
		if now.Sub(req.issued) > t.timeout {
			delete(t.pending, token)
			stale = append(stale, &model.StaleReplyError{Device: req.device, Token: token, Reason: ReasonExpired})
		}
	}
	return stale
}

// Pending returns the number of outstanding requests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
