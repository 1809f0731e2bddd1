// Package hosts defines the monitored host set and loads it from disk.
package hosts

import (
	"sort"
	"strconv"
	"time"
)

// DefaultPacketSize is the Echo payload length used when a host omits it.
const DefaultPacketSize = 55

// HostConfig is the probe configuration of one host. Values are compared
// field by field; any difference means the host changed.
type HostConfig struct {
	TimeoutMs          float64
	MaxRttMs           float64
	SleepPeriodSeconds float64
	PacketSizeBytes    int
}

// Timeout is the total wall-clock budget for a reply.
func (c HostConfig) Timeout() time.Duration {
	return millis(c.TimeoutMs)
}

// MaxRTT is the latency ceiling for a healthy verdict.
func (c HostConfig) MaxRTT() time.Duration {
	return millis(c.MaxRttMs)
}

// SleepPeriod is the delay between probes.
func (c HostConfig) SleepPeriod() time.Duration {
	return time.Duration(c.SleepPeriodSeconds * float64(time.Second))
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Equal reports whether every field matches.
func (c HostConfig) Equal(o HostConfig) bool {
	return c == o
}

// FieldChange describes one differing field between two configs.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

// Diff lists the fields that differ from c to next, in a fixed order.
func (c HostConfig) Diff(next HostConfig) []FieldChange {
	var changes []FieldChange
	add := func(field string, old, cur float64) {
		if old != cur {
			changes = append(changes, FieldChange{
				Field: field,
				Old:   strconv.FormatFloat(old, 'g', -1, 64),
				New:   strconv.FormatFloat(cur, 'g', -1, 64),
			})
		}
	}
	add("timeout", c.TimeoutMs, next.TimeoutMs)
	add("max_rtt", c.MaxRttMs, next.MaxRttMs)
	add("sleep_period", c.SleepPeriodSeconds, next.SleepPeriodSeconds)
	add("packet_size", float64(c.PacketSizeBytes), float64(next.PacketSizeBytes))
	return changes
}

// HostSet maps host identifiers (DNS names or IPv4 literals) to their
// config. A loaded set is replaced wholesale, never edited.
type HostSet map[string]HostConfig

// Keys returns the host identifiers in lexicographic order.
func (s HostSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of hosts.
func (s HostSet) Len() int {
	return len(s)
}
