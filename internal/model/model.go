package model

import (
	"fmt"
	"time"
)

// DeviceID identifies a switching device (an OpenFlow datapath id).
type DeviceID uint64

func (d DeviceID) String() string {
	return fmt.Sprintf("%016x", uint64(d))
}

// Match holds the match fields of a flow table entry. Zero values mean the
// field was not part of the match, except for the ICMP fields, where code 0
// is legitimate and presence is tracked with a pointer.
type Match struct {
	EthType    uint16
	IPv4Src    string
	IPv4Dst    string
	IPProto    uint8
	TCPSrc     uint16
	TCPDst     uint16
	UDPSrc     uint16
	UDPDst     uint16
	ICMPv4Type *uint8
	ICMPv4Code *uint8
}

// FlowStatsSample is one raw counter record for a single flow table entry.
type FlowStatsSample struct {
	Priority     uint16
	DurationSec  uint32
	DurationNsec uint32
	IdleTimeout  uint16
	HardTimeout  uint16
	Flags        uint16
	PacketCount  uint64
	ByteCount    uint64
	Match        Match
}

// StatsReply is the batch of samples a device returned for one counter request.
type StatsReply struct {
	Device     DeviceID
	Token      string
	Samples    []FlowStatsSample
	ReceivedAt time.Time
}

// NumFeatures is the width of a FeatureVector.
const NumFeatures = 9

// FeatureNames lists the FeatureVector fields in order, using the dataset column names.
var FeatureNames = [NumFeatures]string{
	"flow_duration_sec",
	"flow_duration_nsec",
	"idle_timeout",
	"hard_timeout",
	"flags",
	"packet_count",
	"byte_count",
	"packet_count_per_second",
	"byte_count_per_second",
}

// FeatureVector is the numeric representation of one flow fed to the classifier.
type FeatureVector []float64

// FlowRecord is one extracted flow of a polling cycle.
type FlowRecord struct {
	Timestamp time.Time
	Device    DeviceID
	FlowID    string
	SrcIP     string
	DstIP     string
	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8
	// ICMPCode and ICMPType are -1 for non-ICMP flows.
	ICMPCode int
	ICMPType int
	Sample   FlowStatsSample
	Features FeatureVector
	// Per-nanosecond rates only appear in dataset dumps.
	PacketRateNsec float64
	ByteRateNsec   float64
}

// Labels of a training row.
const (
	LabelBenign    = 0
	LabelMalicious = 1
)

// TrainingRow is a labeled FeatureVector. FlowID is kept for auditing only.
type TrainingRow struct {
	Features FeatureVector
	Label    int
	FlowID   string
}

// EthTypeIPv4 is the EtherType matched by blocking rules.
const EthTypeIPv4 uint16 = 0x0800

// MitigationRule blocks all IPv4 traffic from SrcIP to DstIP. It carries no
// actions, so matching packets are dropped. Timeouts are in seconds.
type MitigationRule struct {
	Priority    uint16
	SrcIP       string
	DstIP       string
	EthType     uint16
	IdleTimeout uint16
	HardTimeout uint16
}

func (r MitigationRule) String() string {
	return fmt.Sprintf("drop %s -> %s prio=%d idle=%ds hard=%ds", r.SrcIP, r.DstIP, r.Priority, r.IdleTimeout, r.HardTimeout)
}

// MitigationOutcome describes what happened to a detection.
type MitigationOutcome string

const (
	OutcomeInstalled  MitigationOutcome = "installed"
	OutcomeSuppressed MitigationOutcome = "suppressed"
	OutcomeFailed     MitigationOutcome = "failed"
)

// MitigationEvent is the audit record of one malicious prediction.
type MitigationEvent struct {
	Time    time.Time         `json:"time"`
	Device  DeviceID          `json:"device"`
	FlowID  string            `json:"flow_id"`
	Rule    MitigationRule    `json:"rule"`
	Outcome MitigationOutcome `json:"outcome"`
	Error   string            `json:"error,omitempty"`
}
