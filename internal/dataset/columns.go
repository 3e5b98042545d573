package dataset

import (
	"Go2FlowGuard/internal/model"
	"strconv"
)

// Columns is the on-disk header of the training table, in order.
var Columns = []string{
	"timestamp",
	"datapath_id",
	"flow_id",
	"ip_src",
	"tp_src",
	"ip_dst",
	"tp_dst",
	"ip_proto",
	"icmp_code",
	"icmp_type",
	"flow_duration_sec",
	"flow_duration_nsec",
	"idle_timeout",
	"hard_timeout",
	"flags",
	"packet_count",
	"byte_count",
	"packet_count_per_second",
	"packet_count_per_nsecond",
	"byte_count_per_second",
	"byte_count_per_nsecond",
	"label",
}

// LabelColumn is the name of the target column.
const LabelColumn = "label"

// aliases maps the logical column names onto the on-disk ones, so tables
// written with either spelling load the same.
var aliases = map[string]string{
	"device_id":      "datapath_id",
	"src_addr":       "ip_src",
	"src_port":       "tp_src",
	"dst_addr":       "ip_dst",
	"dst_port":       "tp_dst",
	"protocol":       "ip_proto",
	"duration_sec":   "flow_duration_sec",
	"duration_nsec":  "flow_duration_nsec",
	"packet_rate":    "packet_count_per_second",
	"byte_rate":      "byte_count_per_second",
	"packet_rate_ns": "packet_count_per_nsecond",
	"byte_rate_ns":   "byte_count_per_nsecond",
}

// canonical returns the on-disk name of a header cell.
func canonical(name string) string {
	if c, ok := aliases[name]; ok {
		return c
	}
	return name
}

// FormatRecord renders a flow record as one table row with the given label.
func FormatRecord(rec model.FlowRecord, label int) []string {
	s := rec.Sample
	f := rec.Features
	return []string{
		formatTimestamp(rec),
		strconv.FormatUint(uint64(rec.Device), 10),
		rec.FlowID,
		rec.SrcIP,
		strconv.Itoa(int(rec.SrcPort)),
		rec.DstIP,
		strconv.Itoa(int(rec.DstPort)),
		strconv.Itoa(int(rec.Protocol)),
		strconv.Itoa(rec.ICMPCode),
		strconv.Itoa(rec.ICMPType),
		strconv.FormatUint(uint64(s.DurationSec), 10),
		strconv.FormatUint(uint64(s.DurationNsec), 10),
		strconv.Itoa(int(s.IdleTimeout)),
		strconv.Itoa(int(s.HardTimeout)),
		strconv.Itoa(int(s.Flags)),
		strconv.FormatUint(s.PacketCount, 10),
		strconv.FormatUint(s.ByteCount, 10),
		formatFloat(f[7]),
		formatFloat(rec.PacketRateNsec),
		formatFloat(f[8]),
		formatFloat(rec.ByteRateNsec),
		strconv.Itoa(label),
	}
}

func formatTimestamp(rec model.FlowRecord) string {
	return strconv.FormatFloat(float64(rec.Timestamp.UnixMicro())/1e6, 'f', 6, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
