package manager

import (
	"Go2FlowGuard/internal/model"
	"sync"
	"time"
)

// Phase is the position of a device in its polling cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRequested  Phase = "requested"
	PhaseExtracted  Phase = "extracted"
	PhaseClassified Phase = "classified"
	PhaseMitigated  Phase = "mitigated"
	PhaseRecorded   Phase = "recorded"
	PhaseTimedOut   Phase = "timed_out"
)

// DeviceStatus is the pipeline view of one device. LastPhase is the furthest
// phase reached by the last finished cycle.
type DeviceStatus struct {
	Device      model.DeviceID `json:"device"`
	Phase       Phase          `json:"phase"`
	LastPhase   Phase          `json:"last_phase,omitempty"`
	LastRequest time.Time      `json:"last_request,omitempty"`
	LastReply   time.Time      `json:"last_reply,omitempty"`
	Flows       int            `json:"flows"`
	Legit       int            `json:"legit"`
	Malicious   int            `json:"malicious"`
	LastSkip    string         `json:"last_skip,omitempty"`
}

type stateTable struct {
	mu      sync.Mutex
	devices map[model.DeviceID]*DeviceStatus
}

func newStateTable() *stateTable {
	return &stateTable{devices: make(map[model.DeviceID]*DeviceStatus)}
}

func (s *stateTable) get(device model.DeviceID) *DeviceStatus {
	st, ok := s.devices[device]
	if !ok {
		st = &DeviceStatus{Device: device, Phase: PhaseIdle}
		s.devices[device] = st
	}
	return st
}

// Requested implements poller.Observer.
func (s *stateTable) Requested(device model.DeviceID) {
	s.mu.Lock()
	st := s.get(device)
	st.Phase = PhaseRequested
	st.LastRequest = time.Now()
	s.mu.Unlock()
}

// Expired implements poller.Observer.
func (s *stateTable) Expired(device model.DeviceID) {
	s.mu.Lock()
	st := s.get(device)
	if st.Phase == PhaseRequested {
		st.Phase = PhaseIdle
		st.LastPhase = PhaseTimedOut
	}
	s.mu.Unlock()
}

func (s *stateTable) set(device model.DeviceID, phase Phase) {
	s.mu.Lock()
	s.get(device).Phase = phase
	s.mu.Unlock()
}

func (s *stateTable) extracted(device model.DeviceID, at time.Time, flows int) {
	s.mu.Lock()
	st := s.get(device)
	st.Phase = PhaseExtracted
	st.LastReply = at
	st.Flows = flows
	st.Legit, st.Malicious = 0, 0
	st.LastSkip = ""
	s.mu.Unlock()
}

func (s *stateTable) classified(device model.DeviceID, legit, malicious int) {
	s.mu.Lock()
	st := s.get(device)
	st.Phase = PhaseClassified
	st.Legit, st.Malicious = legit, malicious
	s.mu.Unlock()
}

func (s *stateTable) skipped(device model.DeviceID, reason string) {
	s.mu.Lock()
	s.get(device).LastSkip = reason
	s.mu.Unlock()
}

func (s *stateTable) finish(device model.DeviceID) {
	s.mu.Lock()
	st := s.get(device)
	st.LastPhase = st.Phase
	st.Phase = PhaseIdle
	s.mu.Unlock()
}

// snapshot returns the status of the given devices in order and forgets
// devices that are no longer connected.
func (s *stateTable) snapshot(connected []model.DeviceID) []DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[model.DeviceID]bool, len(connected))
	out := make([]DeviceStatus, 0, len(connected))
	for _, id := range connected {
		keep[id] = true
		out = append(out, *s.get(id))
	}
	for id := range s.devices {
		if !keep[id] {
			delete(s.devices, id)
		}
	}
	return out
}
