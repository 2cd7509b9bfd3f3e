package metrics

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"

	"github.com/uswitch/access-creds/pkg/credential"
)

var (
	namespace     = os.Getenv("NAMESPACE")
	podName       = os.Getenv("POD_NAME")
	promNamespace = "access_creds"
)

// PushGateway records refresh and replay activity in its own registry and
// optionally pushes it to a prometheus pushgateway.
type PushGateway struct {
	Registry *prometheus.Registry
	Pusher   *push.Pusher
	address  string

	episodes     prometheus.Counter
	errorCount   prometheus.Counter
	replays      prometheus.Counter
	authFailures prometheus.Counter
	queued       prometheus.Gauge
	successTime  prometheus.Gauge
	errorTime    prometheus.Gauge
	expiration   prometheus.Gauge
}

func NewPushGateway(gatewayAddress string) *PushGateway {
	p := &PushGateway{
		address: gatewayAddress,
		episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "refresh_episodes_total",
			Help:      "Number of credential refresh episodes started",
		}),
		errorCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "issuance_errors_total",
			Help:      "Number of refresh episodes that ended without a credential",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "replayed_requests_total",
			Help:      "Number of requests replayed with a refreshed credential",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "authentication_failures_total",
			Help:      "Number of requests rejected again after a replay",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "queued_requests",
			Help:      "Requests waiting on the current refresh episode",
		}),
		successTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "last_refresh_success_timestamp_seconds",
			Help:      "The timestamp of the last successful credential refresh",
		}),
		errorTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "last_refresh_error_timestamp_seconds",
			Help:      "The timestamp of the last failed credential refresh",
		}),
		expiration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "time_until_credential_expires",
			Help:      "Seconds remaining until the current credential's advisory expiry",
		}),
	}

	p.Registry = prometheus.NewRegistry()
	p.Registry.MustRegister(p.episodes, p.errorCount, p.replays, p.authFailures,
		p.queued, p.successTime, p.errorTime, p.expiration)
	p.Pusher = push.New(gatewayAddress, "access-creds").Gatherer(p.Registry)

	return p
}

func (p *PushGateway) EpisodeStarted() {
	p.episodes.Inc()
}

func (p *PushGateway) EpisodeFinished(c credential.Credential, err error) {
	if err != nil {
		p.errorCount.Inc()
		p.errorTime.SetToCurrentTime()
		p.expiration.Set(0)
	} else {
		p.successTime.SetToCurrentTime()
		p.expiration.Set(c.TTL(time.Now()).Seconds())
	}
	p.Push()
}

func (p *PushGateway) QueueDepth(n int) {
	p.queued.Set(float64(n))
}

func (p *PushGateway) Replayed() {
	p.replays.Inc()
}

func (p *PushGateway) AuthenticationFailed() {
	p.authFailures.Inc()
}

func (p *PushGateway) Push() {
	if p.address != "" {
		err := p.Pusher.
			Grouping("instance", podName).
			Grouping("namespace", namespace).
			Grouping("pod", podName).
			Add()
		if err != nil {
			log.Errorf("Could not push to Pushgateway: %s", err)
		}
	}
}
