package transport

import "strconv"

// Stats are periodic counters for std.SnmpLogger's CSV-dump-a-ticker
// idiom, repointed at this transport instead of kcp.DefaultSnmp.
type Stats struct {
	Sent            uint64
	Retransmits     uint64
	FastRetransmits uint64
	SendErrors      uint64
}

// Header satisfies std.StatSource.
func (Stats) Header() []string {
	return []string{"Sent", "Retransmits", "FastRetransmits", "SendErrors"}
}

// ToSlice satisfies std.StatSource.
func (s Stats) ToSlice() []string {
	return []string{
		strconv.FormatUint(s.Sent, 10),
		strconv.FormatUint(s.Retransmits, 10),
		strconv.FormatUint(s.FastRetransmits, 10),
		strconv.FormatUint(s.SendErrors, 10),
	}
}
