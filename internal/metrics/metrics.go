package metrics

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/newsroom/courier/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServiceName  string        `cli:"metrics-service-name"`
	Push         string        `cli:"metrics-push-url"`
	PushInterval time.Duration `cli:"metrics-push-interval"`
	Poll         bool          `cli:"metrics-poll"`
	PollUser     string        `cli:"metrics-poll-basic-auth-user"`
	PollPassword string        `cli:"metrics-poll-basic-auth-pass"`
}

func New(c Config, lc *tools.Logger) *Metrics {
	m := &Metrics{
		config:  c,
		logger:  lc.New("prometheus"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if c.Push != "" {
		m.pusher = push.New(c.Push, c.ServiceName).Gatherer(prometheus.DefaultGatherer)
	}
	return m
}

type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config Config
	pusher *push.Pusher
	logger *logrus.Logger

	once sync.Once
}

func (m *Metrics) Start() {
	m.once.Do(func() {
		if m.pusher == nil {
			close(m.stopped)
			return
		}
		if m.config.PushInterval.Seconds() < 10 {
			m.config.PushInterval = 1 * time.Minute
		}
		go func() {
			defer close(m.stopped)

			ticker := time.NewTicker(m.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.done:
					return
				case <-ticker.C:
					m.push()
				}
			}
		}()
	})
}

func (m *Metrics) Stop(ctx context.Context) error {
	close(m.done)
	select {
	case <-m.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Metrics) Register() promauto.Factory {
	return promauto.With(prometheus.DefaultRegisterer)
}

func (m *Metrics) push() {
	m.logger.Debugf("pushing metrics to %s", m.config.Push)
	err := m.pusher.Push()
	if err != nil {
		m.logger.Errorf("failed to push metrics: %v", err)
	}
}

// HttpMetrics serves the poll endpoint, optionally behind basic auth.
func (m *Metrics) HttpMetrics() http.HandlerFunc {

	if !m.config.Poll {
		m.logger.Infof("metrics polling is disabled")
		return func(writer http.ResponseWriter, request *http.Request) {
			http.Error(writer, "Not Found", http.StatusNotFound)
		}
	}
	m.logger.Infof("metrics polling is enabled")

	return func(writer http.ResponseWriter, request *http.Request) {
		if m.config.PollUser != "" || m.config.PollPassword != "" {
			user, pass, ok := request.BasicAuth()
			if !ok || user != m.config.PollUser || subtle.ConstantTimeCompare([]byte(pass), []byte(m.config.PollPassword)) != 1 {
				http.Error(writer, "Unauthorized.", http.StatusUnauthorized)
				return
			}
		}
		promhttp.Handler().ServeHTTP(writer, request)
	}
}

func (m *Metrics) Middleware() func(http.Handler) http.Handler {

	requests := m.Register().NewCounterVec(prometheus.CounterOpts{
		Name: "courier_http_requests",
		Help: "Number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	requestDuration := m.Register().NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courier_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	}, []string{"method", "path", "status_code"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			statusCode := strconv.Itoa(wrapped.statusCode)
			requests.WithLabelValues(r.Method, r.URL.Path, statusCode).Inc()
			if statusCode != "404" {
				requestDuration.WithLabelValues(r.Method, r.URL.Path, statusCode).Observe(time.Since(start).Seconds())
			}
		})
	}
}

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
