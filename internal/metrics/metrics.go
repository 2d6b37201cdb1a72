package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	InboxEvents    *prometheus.CounterVec
	StuckMessages  *prometheus.GaugeVec
	CycleSeconds   prometheus.Histogram
	OrdersPickedUp prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beerbot_inbox_events_total",
		Help: "Inbox pipeline events by name.",
	}, []string{"event"})
	stuck := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beerbot_inbox_stuck_messages",
		Help: "Messages left unprocessed by the last cycle, by reason.",
	}, []string{"reason"})
	cycle := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "beerbot_inbox_cycle_seconds",
		Buckets: prometheus.DefBuckets,
	})
	pickedUp := prometheus.NewCounter(prometheus.CounterOpts{Name: "beerbot_orders_picked_up_total"})

	r.MustRegister(events, stuck, cycle, pickedUp)
	return &Registry{
		reg:            r,
		InboxEvents:    events,
		StuckMessages:  stuck,
		CycleSeconds:   cycle,
		OrdersPickedUp: pickedUp,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
