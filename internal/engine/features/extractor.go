package features

import (
	"Go2FlowGuard/internal/model"
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
)

// TrafficPriority is the priority of the forwarding rules whose counters are
// classified. Table-miss and blocking rules use other priorities.
const TrafficPriority = 1

const unspecifiedIPv4 = "0.0.0.0"

// Extractor converts raw stats replies into flow records. It keeps no state
// between calls, so one Extractor can serve all reply workers.
type Extractor struct {
	now func() time.Time
}

// NewExtractor creates a new feature extractor.
func NewExtractor() *Extractor {
	return &Extractor{now: time.Now}
}

// Extract filters, orders and converts the samples of one reply. Records with
// a malformed address are skipped and reported in the returned error slice;
// the rest of the batch is still processed.
func (e *Extractor) Extract(reply model.StatsReply) ([]model.FlowRecord, []error) {
	ts := reply.ReceivedAt
	if ts.IsZero() {
		ts = e.now()
	}

	samples := make([]model.FlowStatsSample, 0, len(reply.Samples))
	for _, s := range reply.Samples {
		if s.Priority == TrafficPriority {
			samples = append(samples, s)
		}
	}
	slices.SortStableFunc(samples, CompareSamples)

	records := make([]model.FlowRecord, 0, len(samples))
	var errs []error
	for _, s := range samples {
		rec, err := NewRecord(reply.Device, ts, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// NewRecord builds the flow record of a single sample.
func NewRecord(device model.DeviceID, ts time.Time, s model.FlowStatsSample) (model.FlowRecord, error) {
	src, err := resolveAddr("ipv4_src", s.Match.IPv4Src)
	if err != nil {
		return model.FlowRecord{}, err
	}
	dst, err := resolveAddr("ipv4_dst", s.Match.IPv4Dst)
	if err != nil {
		return model.FlowRecord{}, err
	}

	srcPort := s.Match.TCPSrc
	if srcPort == 0 {
		srcPort = s.Match.UDPSrc
	}
	dstPort := s.Match.TCPDst
	if dstPort == 0 {
		dstPort = s.Match.UDPDst
	}

	icmpCode, icmpType := -1, -1
	if layers.IPProtocol(s.Match.IPProto) == layers.IPProtocolICMPv4 {
		if s.Match.ICMPv4Code != nil {
			icmpCode = int(*s.Match.ICMPv4Code)
		}
		if s.Match.ICMPv4Type != nil {
			icmpType = int(*s.Match.ICMPv4Type)
		}
	}

	return model.FlowRecord{
		Timestamp:      ts,
		Device:         device,
		FlowID:         fmt.Sprintf("%s%d%s%d%d", src, srcPort, dst, dstPort, s.Match.IPProto),
		SrcIP:          src,
		DstIP:          dst,
		SrcPort:        srcPort,
		DstPort:        dstPort,
		Protocol:       s.Match.IPProto,
		ICMPCode:       icmpCode,
		ICMPType:       icmpType,
		Sample:         s,
		Features:       Vector(s),
		PacketRateNsec: Rate(s.PacketCount, s.DurationNsec),
		ByteRateNsec:   Rate(s.ByteCount, s.DurationNsec),
	}, nil
}

// Vector returns the feature vector of a sample in model.FeatureNames order.
func Vector(s model.FlowStatsSample) model.FeatureVector {
	return model.FeatureVector{
		float64(s.DurationSec),
		float64(s.DurationNsec),
		float64(s.IdleTimeout),
		float64(s.HardTimeout),
		float64(s.Flags),
		float64(s.PacketCount),
		float64(s.ByteCount),
		Rate(s.PacketCount, s.DurationSec),
		Rate(s.ByteCount, s.DurationSec),
	}
}

// Rate divides count by duration, yielding 0 for a zero duration. Freshly
// installed entries report a zero duration all the time.
func Rate(count uint64, duration uint32) float64 {
	if duration == 0 {
		return 0
	}
	return float64(count) / float64(duration)
}

// ProtocolName returns a readable name for an IP protocol number.
func ProtocolName(proto uint8) string {
	return layers.IPProtocol(proto).String()
}

func resolveAddr(field, value string) (string, error) {
	if value == "" {
		return unspecifiedIPv4, nil
	}
	addr, err := netip.ParseAddr(value)
	if err != nil || !addr.Is4() {
		return "", &model.InvalidAddressError{Field: field, Value: value}
	}
	return addr.String(), nil
}

// CompareSamples orders samples by (eth_type, source, destination, ip_proto)
// with missing fields first, then by every remaining field so that the order
// does not depend on the order the device reported entries in.
func CompareSamples(a, b model.FlowStatsSample) int {
	ma, mb := a.Match, b.Match
	if c := cmp.Compare(ma.EthType, mb.EthType); c != 0 {
		return c
	}
	if c := compareAddr(ma.IPv4Src, mb.IPv4Src); c != 0 {
		return c
	}
	if c := compareAddr(ma.IPv4Dst, mb.IPv4Dst); c != 0 {
		return c
	}
	if c := cmp.Compare(ma.IPProto, mb.IPProto); c != 0 {
		return c
	}
	return cmp.Or(
		cmp.Compare(ma.TCPSrc, mb.TCPSrc),
		cmp.Compare(ma.TCPDst, mb.TCPDst),
		cmp.Compare(ma.UDPSrc, mb.UDPSrc),
		cmp.Compare(ma.UDPDst, mb.UDPDst),
		compareOpt(ma.ICMPv4Type, mb.ICMPv4Type),
		compareOpt(ma.ICMPv4Code, mb.ICMPv4Code),
		cmp.Compare(a.DurationSec, b.DurationSec),
		cmp.Compare(a.DurationNsec, b.DurationNsec),
		cmp.Compare(a.IdleTimeout, b.IdleTimeout),
		cmp.Compare(a.HardTimeout, b.HardTimeout),
		cmp.Compare(a.Flags, b.Flags),
		cmp.Compare(a.PacketCount, b.PacketCount),
		cmp.Compare(a.ByteCount, b.ByteCount),
	)
}

// compareAddr sorts missing addresses first, then parseable addresses
// numerically, then anything else lexically.
func compareAddr(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)
	switch {
	case errA == nil && errB == nil:
		return pa.Compare(pb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func compareOpt(a, b *uint8) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return cmp.Compare(*a, *b)
	}
}
