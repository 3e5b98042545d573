package southbound

import (
	"Go2FlowGuard/internal/model"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// DeviceState is carried by DeviceEvent messages.
type DeviceState uint64

const (
	StateUnknown      DeviceState = 0
	StateConnected    DeviceState = 1
	StateDisconnected DeviceState = 2
)

// FlowModCommand mirrors the OpenFlow flow-mod command.
type FlowModCommand uint64

// FlowModAdd adds a rule, replacing an identical one and resetting its
// counters and timeouts.
const FlowModAdd FlowModCommand = 0

// DeviceEvent announces a device joining or leaving the control channel.
//
//	message DeviceEvent {
//	  uint64 datapath_id = 1;
//	  State state = 2;
//	  google.protobuf.Timestamp time = 3;
//	}
type DeviceEvent struct {
	Device model.DeviceID
	State  DeviceState
	Time   time.Time
}

// StatsRequest asks a device for its flow counters.
//
//	message StatsRequest {
//	  uint64 datapath_id = 1;
//	  string token = 2;
//	  google.protobuf.Timestamp sent_at = 3;
//	}
type StatsRequest struct {
	Device model.DeviceID
	Token  string
	SentAt time.Time
}

// FlowMod installs a rule without instructions, which drops matching packets.
//
//	message FlowMod {
//	  uint64 datapath_id = 1;
//	  Command command = 2;
//	  uint32 priority = 3;
//	  Match match = 4;
//	  uint32 idle_timeout = 5;
//	  uint32 hard_timeout = 6;
//	}
type FlowMod struct {
	Device  model.DeviceID
	Command FlowModCommand
	Rule    model.MitigationRule
}

// Field numbers.
const (
	fieldDatapathID = 1

	fieldEventState = 2
	fieldEventTime  = 3

	fieldToken      = 2
	fieldSentAt     = 3
	fieldReplyFlows = 3
	fieldReceivedAt = 4

	fieldModCommand     = 2
	fieldModPriority    = 3
	fieldModMatch       = 4
	fieldModIdleTimeout = 5
	fieldModHardTimeout = 6
)

// FlowStats fields.
const (
	fieldStatsPriority = iota + 1
	fieldStatsDurationSec
	fieldStatsDurationNsec
	fieldStatsIdleTimeout
	fieldStatsHardTimeout
	fieldStatsFlags
	fieldStatsPacketCount
	fieldStatsByteCount
	fieldStatsMatch
)

// Match fields.
const (
	fieldMatchEthType = iota + 1
	fieldMatchIPv4Src
	fieldMatchIPv4Dst
	fieldMatchIPProto
	fieldMatchTCPSrc
	fieldMatchTCPDst
	fieldMatchUDPSrc
	fieldMatchUDPDst
	fieldMatchICMPv4Type
	fieldMatchICMPv4Code
)

var (
	errWireType = errors.New("unexpected wire type")
	errRange    = errors.New("value out of range")
)

// EncodeDeviceEvent serializes a DeviceEvent.
func EncodeDeviceEvent(ev DeviceEvent) ([]byte, error) {
	var b []byte
	b = appendUint(b, fieldDatapathID, uint64(ev.Device))
	b = appendUint(b, fieldEventState, uint64(ev.State))
	return appendTime(b, fieldEventTime, ev.Time)
}

// DecodeDeviceEvent parses a DeviceEvent.
func DecodeDeviceEvent(data []byte) (DeviceEvent, error) {
	var ev DeviceEvent
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case fieldDatapathID:
			ev.Device = model.DeviceID(v)
		case fieldEventState:
			ev.State = DeviceState(v)
		case fieldEventTime:
			t, err := decodeTime(typ, raw)
			if err != nil {
				return err
			}
			ev.Time = t
		}
		return nil
	})
	return ev, err
}

// EncodeStatsRequest serializes a StatsRequest.
func EncodeStatsRequest(req StatsRequest) ([]byte, error) {
	var b []byte
	b = appendUint(b, fieldDatapathID, uint64(req.Device))
	b = appendString(b, fieldToken, req.Token)
	return appendTime(b, fieldSentAt, req.SentAt)
}

// DecodeStatsRequest parses a StatsRequest.
func DecodeStatsRequest(data []byte) (StatsRequest, error) {
	var req StatsRequest
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case fieldDatapathID:
			req.Device = model.DeviceID(v)
		case fieldToken:
			if typ != protowire.BytesType {
				return errWireType
			}
			req.Token = string(raw)
		case fieldSentAt:
			t, err := decodeTime(typ, raw)
			if err != nil {
				return err
			}
			req.SentAt = t
		}
		return nil
	})
	return req, err
}

// EncodeStatsReply serializes a flow stats reply.
//
//	message StatsReply {
//	  uint64 datapath_id = 1;
//	  string token = 2;
//	  repeated FlowStats flows = 3;
//	  google.protobuf.Timestamp received_at = 4;
//	}
func EncodeStatsReply(reply model.StatsReply) ([]byte, error) {
	var b []byte
	b = appendUint(b, fieldDatapathID, uint64(reply.Device))
	b = appendString(b, fieldToken, reply.Token)
	for _, s := range reply.Samples {
		b = protowire.AppendTag(b, fieldReplyFlows, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeFlowStats(s))
	}
	return appendTime(b, fieldReceivedAt, reply.ReceivedAt)
}

// DecodeStatsReply parses a flow stats reply.
func DecodeStatsReply(data []byte) (model.StatsReply, error) {
	var reply model.StatsReply
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case fieldDatapathID:
			reply.Device = model.DeviceID(v)
		case fieldToken:
			if typ != protowire.BytesType {
				return errWireType
			}
			reply.Token = string(raw)
		case fieldReplyFlows:
			if typ != protowire.BytesType {
				return errWireType
			}
			s, err := decodeFlowStats(raw)
			if err != nil {
				return fmt.Errorf("flow stats %d: %w", len(reply.Samples), err)
			}
			reply.Samples = append(reply.Samples, s)
		case fieldReceivedAt:
			t, err := decodeTime(typ, raw)
			if err != nil {
				return err
			}
			reply.ReceivedAt = t
		}
		return nil
	})
	return reply, err
}

// EncodeFlowMod serializes a FlowMod.
func EncodeFlowMod(mod FlowMod) []byte {
	var b []byte
	b = appendUint(b, fieldDatapathID, uint64(mod.Device))
	b = appendUint(b, fieldModCommand, uint64(mod.Command))
	b = appendUint(b, fieldModPriority, uint64(mod.Rule.Priority))
	m := model.Match{EthType: mod.Rule.EthType, IPv4Src: mod.Rule.SrcIP, IPv4Dst: mod.Rule.DstIP}
	b = protowire.AppendTag(b, fieldModMatch, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeMatch(m))
	b = appendUint(b, fieldModIdleTimeout, uint64(mod.Rule.IdleTimeout))
	b = appendUint(b, fieldModHardTimeout, uint64(mod.Rule.HardTimeout))
	return b
}

// DecodeFlowMod parses a FlowMod.
func DecodeFlowMod(data []byte) (FlowMod, error) {
	var mod FlowMod
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		var err error
		switch num {
		case fieldDatapathID:
			mod.Device = model.DeviceID(v)
		case fieldModCommand:
			mod.Command = FlowModCommand(v)
		case fieldModPriority:
			mod.Rule.Priority, err = narrow[uint16](v)
		case fieldModMatch:
			if typ != protowire.BytesType {
				return errWireType
			}
			m, err := decodeMatch(raw)
			if err != nil {
				return err
			}
			mod.Rule.EthType = m.EthType
			mod.Rule.SrcIP = m.IPv4Src
			mod.Rule.DstIP = m.IPv4Dst
		case fieldModIdleTimeout:
			mod.Rule.IdleTimeout, err = narrow[uint16](v)
		case fieldModHardTimeout:
			mod.Rule.HardTimeout, err = narrow[uint16](v)
		}
		return err
	})
	return mod, err
}

func encodeFlowStats(s model.FlowStatsSample) []byte {
	var b []byte
	b = appendUint(b, fieldStatsPriority, uint64(s.Priority))
	b = appendUint(b, fieldStatsDurationSec, uint64(s.DurationSec))
	b = appendUint(b, fieldStatsDurationNsec, uint64(s.DurationNsec))
	b = appendUint(b, fieldStatsIdleTimeout, uint64(s.IdleTimeout))
	b = appendUint(b, fieldStatsHardTimeout, uint64(s.HardTimeout))
	b = appendUint(b, fieldStatsFlags, uint64(s.Flags))
	b = appendUint(b, fieldStatsPacketCount, s.PacketCount)
	b = appendUint(b, fieldStatsByteCount, s.ByteCount)
	b = protowire.AppendTag(b, fieldStatsMatch, protowire.BytesType)
	return protowire.AppendBytes(b, encodeMatch(s.Match))
}

func decodeFlowStats(data []byte) (model.FlowStatsSample, error) {
	var s model.FlowStatsSample
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		var err error
		switch num {
		case fieldStatsPriority:
			s.Priority, err = narrow[uint16](v)
		case fieldStatsDurationSec:
			s.DurationSec, err = narrow[uint32](v)
		case fieldStatsDurationNsec:
			s.DurationNsec, err = narrow[uint32](v)
		case fieldStatsIdleTimeout:
			s.IdleTimeout, err = narrow[uint16](v)
		case fieldStatsHardTimeout:
			s.HardTimeout, err = narrow[uint16](v)
		case fieldStatsFlags:
			s.Flags, err = narrow[uint16](v)
		case fieldStatsPacketCount:
			s.PacketCount = v
		case fieldStatsByteCount:
			s.ByteCount = v
		case fieldStatsMatch:
			if typ != protowire.BytesType {
				return errWireType
			}
			m, err := decodeMatch(raw)
			if err != nil {
				return err
			}
			s.Match = m
		}
		return err
	})
	return s, err
}

func encodeMatch(m model.Match) []byte {
	var b []byte
	b = appendUint(b, fieldMatchEthType, uint64(m.EthType))
	b = appendString(b, fieldMatchIPv4Src, m.IPv4Src)
	b = appendString(b, fieldMatchIPv4Dst, m.IPv4Dst)
	b = appendUint(b, fieldMatchIPProto, uint64(m.IPProto))
	b = appendUint(b, fieldMatchTCPSrc, uint64(m.TCPSrc))
	b = appendUint(b, fieldMatchTCPDst, uint64(m.TCPDst))
	b = appendUint(b, fieldMatchUDPSrc, uint64(m.UDPSrc))
	b = appendUint(b, fieldMatchUDPDst, uint64(m.UDPDst))
	// ICMP fields have explicit presence: code 0 is a real value.
	if m.ICMPv4Type != nil {
		b = protowire.AppendTag(b, fieldMatchICMPv4Type, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.ICMPv4Type))
	}
	if m.ICMPv4Code != nil {
		b = protowire.AppendTag(b, fieldMatchICMPv4Code, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.ICMPv4Code))
	}
	return b
}

func decodeMatch(data []byte) (model.Match, error) {
	var m model.Match
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		var err error
		switch num {
		case fieldMatchEthType:
			m.EthType, err = narrow[uint16](v)
		case fieldMatchIPv4Src, fieldMatchIPv4Dst:
			if typ != protowire.BytesType {
				return errWireType
			}
			if num == fieldMatchIPv4Src {
				m.IPv4Src = string(raw)
			} else {
				m.IPv4Dst = string(raw)
			}
		case fieldMatchIPProto:
			m.IPProto, err = narrow[uint8](v)
		case fieldMatchTCPSrc:
			m.TCPSrc, err = narrow[uint16](v)
		case fieldMatchTCPDst:
			m.TCPDst, err = narrow[uint16](v)
		case fieldMatchUDPSrc:
			m.UDPSrc, err = narrow[uint16](v)
		case fieldMatchUDPDst:
			m.UDPDst, err = narrow[uint16](v)
		case fieldMatchICMPv4Type:
			var t uint8
			t, err = narrow[uint8](v)
			m.ICMPv4Type = &t
		case fieldMatchICMPv4Code:
			var c uint8
			c, err = narrow[uint8](v)
			m.ICMPv4Code = &c
		}
		return err
	})
	return m, err
}

// walk iterates over the fields of one message. For varint fields v holds
// the value; for length-delimited fields raw holds the payload. Unknown
// fields are skipped.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, typ, v, raw); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

// narrow converts a varint to a fixed-width field, rejecting values that do
// not fit.
func narrow[T uint8 | uint16 | uint32](v uint64) (T, error) {
	if v > uint64(^T(0)) {
		return 0, fmt.Errorf("%w: %d", errRange, v)
	}
	return T(v), nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendTime(b []byte, num protowire.Number, t time.Time) ([]byte, error) {
	if t.IsZero() {
		return b, nil
	}
	ts, err := proto.Marshal(timestamppb.New(t))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp: %w", err)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, ts), nil
}

func decodeTime(typ protowire.Type, raw []byte) (time.Time, error) {
	if typ != protowire.BytesType {
		return time.Time{}, errWireType
	}
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(raw, &ts); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return ts.AsTime(), nil
}
