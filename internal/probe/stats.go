package probe

import "time"

// Stats are the running counters of one monitor. They start from zero for
// every task, so a restarted host reports fresh numbers.
type Stats struct {
	Sent     uint64
	Received uint64
	MinRTT   time.Duration
	MaxRTT   time.Duration
	TotalRTT time.Duration
}

func (s *Stats) recordSent() {
	s.Sent++
}

// recordReply counts any matching reply, late ones included.
func (s *Stats) recordReply(rtt time.Duration) {
	if s.Received == 0 || rtt < s.MinRTT {
		s.MinRTT = rtt
	}
	if rtt > s.MaxRTT {
		s.MaxRTT = rtt
	}
	s.TotalRTT += rtt
	s.Received++
}

// AvgRTT returns the mean RTT over received replies.
func (s Stats) AvgRTT() time.Duration {
	if s.Received == 0 {
		return 0
	}
	return s.TotalRTT / time.Duration(s.Received)
}

// LossPercent returns the share of sent probes without a reply.
func (s Stats) LossPercent() float64 {
	if s.Sent == 0 {
		return 0
	}
	lost := float64(s.Sent) - float64(s.Received)
	if lost < 0 {
		lost = 0
	}
	return lost / float64(s.Sent) * 100
}
