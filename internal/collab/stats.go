package collab

import "sync/atomic"

// Stats are process wide counters for the live editing engine.
type Stats struct {
	EditsCommitted  atomic.Int64
	OpsClamped      atomic.Int64
	StaleResyncs    atomic.Int64
	SlowConsumers   atomic.Int64
	FlushesOK       atomic.Int64
	FlushesFailed   atomic.Int64
	MirrorFailures  atomic.Int64
	Alerts          atomic.Int64
	RoomsOpen       atomic.Int64
	ClientsAttached atomic.Int64
}

type StatsSnapshot struct {
	EditsCommitted  int64 `json:"editsCommitted"`
	OpsClamped      int64 `json:"opsClamped"`
	StaleResyncs    int64 `json:"staleResyncs"`
	SlowConsumers   int64 `json:"slowConsumers"`
	FlushesOK       int64 `json:"flushesOk"`
	FlushesFailed   int64 `json:"flushesFailed"`
	MirrorFailures  int64 `json:"mirrorFailures"`
	Alerts          int64 `json:"alerts"`
	RoomsOpen       int64 `json:"roomsOpen"`
	ClientsAttached int64 `json:"clientsAttached"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		EditsCommitted:  s.EditsCommitted.Load(),
		OpsClamped:      s.OpsClamped.Load(),
		StaleResyncs:    s.StaleResyncs.Load(),
		SlowConsumers:   s.SlowConsumers.Load(),
		FlushesOK:       s.FlushesOK.Load(),
		FlushesFailed:   s.FlushesFailed.Load(),
		MirrorFailures:  s.MirrorFailures.Load(),
		Alerts:          s.Alerts.Load(),
		RoomsOpen:       s.RoomsOpen.Load(),
		ClientsAttached: s.ClientsAttached.Load(),
	}
}
