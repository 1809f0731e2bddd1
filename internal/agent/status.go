package agent

import (
	"time"

	"github.com/postalsys/hostwatch/internal/health"
	"github.com/postalsys/hostwatch/internal/probe"
)

// Stats implements health.StatusProvider.
func (a *Agent) Stats() health.Stats {
	var s health.Stats
	for _, snap := range a.supervisor.Snapshots() {
		s.HostCount++
		switch {
		case snap.Err != nil:
			s.FailedTasks++
		case snap.State == health.Healthy:
			s.HealthyHosts++
		case snap.State == health.Unhealthy:
			s.UnhealthyHosts++
		default:
			s.UnknownHosts++
		}
	}

	last, err := a.reconciler.LastReload()
	s.LastReload = last
	if err != nil {
		s.LastReloadErr = err.Error()
	}
	return s
}

// Hosts implements health.StatusProvider.
func (a *Agent) Hosts() []health.HostStatus {
	snaps := a.supervisor.Snapshots()
	out := make([]health.HostStatus, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, hostStatus(snap))
	}
	return out
}

func hostStatus(snap probe.Snapshot) health.HostStatus {
	hs := health.HostStatus{
		Host:        snap.Host,
		Address:     snap.Address,
		State:       snap.State.String(),
		Sequence:    snap.Sequence,
		Sent:        snap.Stats.Sent,
		Received:    snap.Stats.Received,
		LossPercent: snap.Stats.LossPercent(),
		MinRTTMs:    ms(snap.Stats.MinRTT),
		AvgRTTMs:    ms(snap.Stats.AvgRTT()),
		MaxRTTMs:    ms(snap.Stats.MaxRTT),
	}
	if snap.LastOutcome != nil {
		hs.LastOutcome = snap.LastOutcome.Kind.String()
	}
	if snap.Err != nil {
		hs.State = "failed"
		hs.Error = snap.Err.Error()
	}
	return hs
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
