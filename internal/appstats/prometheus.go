package appstats

import (
	"net/http"
	"sync"
	"time"

	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	"github.com/bigbluebutton/bbb-stream-player/internal/pubsub/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const subsystem = "player"

type metricsHandler struct {
	next http.Handler

	mu      sync.Mutex
	pending map[string]*PlayerStats
}

var (
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "in_requests",
		Help:      "Number of requests received by the player",
	},
		[]string{
			"method",
		})

	InvalidRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "invalid_requests",
		Help:      "Number of invalid requests",
	})

	Responses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "out_responses",
		Help:      "Number of responses from the player",
	},
		[]string{
			"method",
		})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "Time spent handling a request",
		Buckets:   prometheus.DefBuckets,
	},
		[]string{
			"method",
		})

	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "sessions",
		Help:      "Current number of playback sessions",
	})

	SessionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "session_errors_total",
		Help:      "Total number of playback session errors",
	},
		[]string{
			"reason",
		})

	TransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "transport_reconnects_total",
		Help:      "Total number of media transport reconnections",
	})

	VideoUnits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "video_units_total",
		Help:      "Total number of coded video units received",
	},
		[]string{
			"type", // keyframe, delta, other
		})

	VideoUnitsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "video_units_dropped_total",
		Help:      "Total number of coded video units dropped before decoding",
	},
		[]string{
			"reason", // backwards_pts, awaiting_keyframe, config_error
		})

	FramingErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "framing_errors_total",
		Help:      "Total number of truncated video payloads",
	})

	DecodedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "decoded_frames_total",
		Help:      "Total number of decoded video frames",
	})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "decode_errors_total",
		Help:      "Total number of video decode errors",
	})

	ConfigErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "decoder_config_errors_total",
		Help:      "Total number of decoder configuration failures",
	})

	OutstandingFrames = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "outstanding_frames",
		Help:      "Decoded frames not yet released by the renderer",
	},
		[]string{
			"session",
		})

	AudioPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "audio_packets_total",
		Help:      "Total number of audio packets received",
	},
		[]string{
			"format",
		})

	AudioDecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "audio_decode_errors_total",
		Help:      "Total number of audio packets dropped on decode errors",
	},
		[]string{
			"format",
		})

	JitterDroppedChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "jitter_dropped_chunks_total",
		Help:      "Total number of audio chunks dropped on jitter buffer overflow",
	})

	JitterTrimmedSamples = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "jitter_trimmed_samples_total",
		Help:      "Total number of buffered samples trimmed to bound latency",
	})

	JitterUnderruns = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "jitter_underruns_total",
		Help:      "Total number of render pulls padded with silence",
	})

	JitterBufferedMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "jitter_buffered_ms",
		Help:      "Audio buffered per channel in milliseconds",
	},
		[]string{
			"session",
		})

	lastMu   sync.Mutex
	lastSeen = make(map[string]*PlayerStats)
)

func Init() {
	prometheus.MustRegister(Requests)
	prometheus.MustRegister(InvalidRequests)
	prometheus.MustRegister(Responses)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(Sessions)
	prometheus.MustRegister(SessionErrors)
	prometheus.MustRegister(TransportReconnects)
	prometheus.MustRegister(VideoUnits)
	prometheus.MustRegister(VideoUnitsDropped)
	prometheus.MustRegister(FramingErrors)
	prometheus.MustRegister(DecodedFrames)
	prometheus.MustRegister(DecodeErrors)
	prometheus.MustRegister(ConfigErrors)
	prometheus.MustRegister(OutstandingFrames)
	prometheus.MustRegister(AudioPackets)
	prometheus.MustRegister(AudioDecodeErrors)
	prometheus.MustRegister(JitterDroppedChunks)
	prometheus.MustRegister(JitterTrimmedSamples)
	prometheus.MustRegister(JitterUnderruns)
	prometheus.MustRegister(JitterBufferedMs)
}

func newMetricsHandler() *metricsHandler {
	return &metricsHandler{
		next:    promhttp.Handler(),
		pending: make(map[string]*PlayerStats),
	}
}

func (h *metricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]*PlayerStats)
	h.mu.Unlock()

	for _, stats := range pending {
		UpdatePlayerMetrics(stats)
	}
	h.next.ServeHTTP(w, r)
}

// update keeps the latest snapshot of each session until the next scrape.
func (h *metricsHandler) update(stats *PlayerStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[stats.SessionID] = stats
}

var (
	// Global metrics handler instance
	metricsHandlerInstance *metricsHandler
)

func ServePromMetrics(cfg config.Prometheus) {
	if !cfg.Enable {
		return
	}

	metricsHandlerInstance = newMetricsHandler()
	http.Handle("/metrics", metricsHandlerInstance)

	go func() {
		if err := http.ListenAndServe(cfg.ListenAddress, nil); err != nil {
			log.Errorf("failed to start metrics server: %s", err)
		}
	}()

	log.Infof("Prometheus metrics exported on %s", cfg.ListenAddress)
}

// UpdateStats queues a session snapshot to be exported on the next scrape.
func UpdateStats(stats *PlayerStats) {
	if stats == nil || metricsHandlerInstance == nil {
		return
	}
	metricsHandlerInstance.update(stats)
}

func OnServerRequest(event *events.Event) {
	if event.IsValid() {
		Requests.WithLabelValues(event.Id).Inc()
	} else {
		InvalidRequests.Inc()
	}
}

func OnServerResponse(msg interface{}) {
	switch v := msg.(type) {
	case *events.Event:
		Responses.WithLabelValues(v.Id).Inc()
	case *events.StartPlaybackResponse:
		Responses.WithLabelValues(events.StartPlaybackResponseKey).Inc()
	case *events.PlaybackStatusChanged:
		Responses.WithLabelValues(events.PlaybackStatusChangedKey).Inc()
	case *events.PlaybackStopped:
		Responses.WithLabelValues(events.PlaybackStoppedKey).Inc()
	case *events.PlayerStatus:
		Responses.WithLabelValues(events.PlayerStatusKey).Inc()
	default:
		Responses.WithLabelValues("unknown").Inc()
	}
}

func ObserveRequestDuration(method string, d time.Duration) {
	RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func OnSessionError(reason string) {
	SessionErrors.WithLabelValues(reason).Inc()
}

// UpdatePlayerMetrics exports a session snapshot. Counters advance by the
// difference to the previous snapshot of the same session.
func UpdatePlayerMetrics(stats *PlayerStats) {
	if stats == nil {
		return
	}

	lastMu.Lock()
	prev := lastSeen[stats.SessionID]
	lastSeen[stats.SessionID] = stats
	lastMu.Unlock()

	if stats.Buffer != nil {
		var before BufferStatsWrapper
		if prev != nil && prev.Buffer != nil {
			before = *prev.Buffer
		}

		JitterDroppedChunks.Add(delta(stats.Buffer.DroppedChunks, before.DroppedChunks))
		JitterTrimmedSamples.Add(delta(stats.Buffer.TrimmedSamples, before.TrimmedSamples))
		JitterUnderruns.Add(delta(stats.Buffer.Underruns, before.Underruns))

		if stats.Buffer.SampleRate > 0 {
			JitterBufferedMs.WithLabelValues(stats.SessionID).
				Set(float64(stats.Buffer.Buffered) * 1000 / float64(stats.Buffer.SampleRate))
		}
	}

	if stats.Decoder != nil {
		OutstandingFrames.WithLabelValues(stats.SessionID).Set(float64(stats.Decoder.Outstanding))
	}
}

// ForgetSession removes the per-session series once a session ends.
func ForgetSession(id string) {
	lastMu.Lock()
	delete(lastSeen, id)
	lastMu.Unlock()

	JitterBufferedMs.DeleteLabelValues(id)
	OutstandingFrames.DeleteLabelValues(id)

	if metricsHandlerInstance != nil {
		metricsHandlerInstance.mu.Lock()
		delete(metricsHandlerInstance.pending, id)
		metricsHandlerInstance.mu.Unlock()
	}
}

// Counters restart from zero when a session's buffer is recreated.
func delta(now, before uint64) float64 {
	if now < before {
		return float64(now)
	}
	return float64(now - before)
}
