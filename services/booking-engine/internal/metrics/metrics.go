// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HoldsPlaced    prometheus.Counter
	HoldsReleased  prometheus.Counter
	HoldsSwept     prometheus.Counter
	Bookings       *prometheus.CounterVec
	Cancellations  prometheus.Counter
	Notifications  *prometheus.CounterVec
	RateLimited    prometheus.Counter
	CollisionHits  prometheus.Counter
}

// New registers all counters on the given registerer. Pass
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HoldsPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_holds_placed_total",
			Help: "Slots placed on hold.",
		}),
		HoldsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_holds_released_total",
			Help: "Holds released explicitly by the requester.",
		}),
		HoldsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_holds_swept_total",
			Help: "Expired holds returned to the pool by the sweeper.",
		}),
		Bookings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_commits_total",
			Help: "Booking attempts by outcome.",
		}, []string{"outcome"}),
		Cancellations: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_cancellations_total",
			Help: "Appointments cancelled.",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_notifications_total",
			Help: "Notification deliveries by type and outcome.",
		}, []string{"type", "outcome"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_rate_limited_total",
			Help: "Requests rejected by the origin rate limit.",
		}),
		CollisionHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_calendar_collisions_total",
			Help: "Commits blocked by a conflicting external calendar event.",
		}),
	}
}
