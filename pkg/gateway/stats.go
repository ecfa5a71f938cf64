package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Stats holds the gateway counters.
type Stats struct {
	packets    atomic.Uint64
	received   atomic.Uint64
	dispatched atomic.Uint64
	failed     atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
	expired    atomic.Uint64
	dropped    atomic.Uint64
}

// Counters is a point-in-time copy of Stats.
type Counters struct {
	Packets    uint64 `json:"packets"`
	Received   uint64 `json:"received"`
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`
	Duplicates uint64 `json:"duplicates"`
	Rejected   uint64 `json:"rejected"`
	Expired    uint64 `json:"expired"`
	Dropped    uint64 `json:"dropped"`
	Pending    int    `json:"pending"`
}

func (s *Stats) snapshot(pending int) Counters {
	return Counters{
		Packets:    s.packets.Load(),
		Received:   s.received.Load(),
		Dispatched: s.dispatched.Load(),
		Failed:     s.failed.Load(),
		Duplicates: s.duplicates.Load(),
		Rejected:   s.rejected.Load(),
		Expired:    s.expired.Load(),
		Dropped:    s.dropped.Load(),
		Pending:    pending,
	}
}

// register exposes the counters on reg. pending is sampled on scrape.
func (s *Stats) register(reg prometheus.Registerer, pending func() int) error {
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "btxmesh",
			Subsystem: "gateway",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		counter("packets_total", "Mesh packets received.", &s.packets),
		counter("received_total", "Complete transactions received.", &s.received),
		counter("dispatched_total", "Transactions accepted by a backend.", &s.dispatched),
		counter("failed_total", "Transactions a backend rejected or never answered.", &s.failed),
		counter("duplicates_total", "Submissions the backend already knew.", &s.duplicates),
		counter("rejected_total", "Transactions refused before dispatch.", &s.rejected),
		counter("expired_total", "Pending transactions removed by the sweeper.", &s.expired),
		counter("dropped_total", "Packets dropped as malformed or unexpected.", &s.dropped),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "btxmesh",
			Subsystem: "gateway",
			Name:      "pending",
			Help:      "Transactions currently being reassembled.",
		}, func() float64 { return float64(pending()) }),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
