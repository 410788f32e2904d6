package firehose

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsReceivedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "firehose_events_received_total",
	Help: "Total number of firehose events received, by event kind",
}, []string{"kind"})

var decodeErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "firehose_decode_errors_total",
	Help: "Total number of frames dropped because they failed to decode",
})

var reconnectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "firehose_reconnects_total",
	Help: "Total number of reconnect attempts to the firehose",
})

var bytesReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "firehose_bytes_received_total",
	Help: "Total bytes received from the firehose before decompression",
})

var lastEventTimeGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "firehose_last_event_time_us",
	Help: "time_us of the most recently received event",
})
