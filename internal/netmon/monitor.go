// Package netmon watches connectivity to the gateway. It publishes an
// online/offline signal plus a coarse quality label derived from probe
// latency, and retriggers sync when the link comes back.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/stream"
	"github.com/driftsync/driftsync/internal/types"
)

// Quality is the coarse bandwidth class.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// qualityFromLatency maps probe round-trip time onto the declared bandwidth
// classes (4g/3g/2g/slow-2g equivalents).
func qualityFromLatency(rtt time.Duration) Quality {
	switch {
	case rtt < 100*time.Millisecond:
		return QualityExcellent
	case rtt < 300*time.Millisecond:
		return QualityGood
	case rtt < 750*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Config controls probing.
type Config struct {
	PingURL      string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// DefaultConfig probes every 30s with a 5s timeout.
func DefaultConfig(pingURL string) Config {
	return Config{PingURL: pingURL, PingInterval: 30 * time.Second, PingTimeout: 5 * time.Second}
}

// Monitor owns the connectivity state for one replica. Construct with New,
// start with Init, release with Destroy; pass the handle to whoever needs
// the signal instead of sharing a process-wide singleton.
type Monitor struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	online   bool
	quality  Quality
	statusCh *stream.Publisher[bool]
	qualCh   *stream.Publisher[Quality]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a monitor; it assumes online until the first probe says
// otherwise, so startup writes are never blocked on a probe.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.PingTimeout},
		logger:   logger,
		online:   true,
		quality:  QualityGood,
		statusCh: stream.NewPublisher[bool](),
		qualCh:   stream.NewPublisher[Quality](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Init starts the periodic probe loop. Safe to call once.
func (m *Monitor) Init() {
	m.once.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	m.probe()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Monitor) probe() {
	online, rtt := m.ping(m.ctx)
	q := QualityOffline
	if online {
		q = qualityFromLatency(rtt)
	}
	m.setState(online, q)
}

func (m *Monitor) ping(ctx context.Context) (bool, time.Duration) {
	if m.cfg.PingURL == "" {
		return true, 0
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.PingURL, nil)
	if err != nil {
		return false, 0
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return false, 0
	}
	resp.Body.Close()
	return resp.StatusCode < 500, time.Since(start)
}

func (m *Monitor) setState(online bool, q Quality) {
	m.mu.Lock()
	statusChanged := m.online != online
	qualityChanged := m.quality != q
	m.online = online
	m.quality = q
	m.mu.Unlock()

	if statusChanged {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
		m.statusCh.Publish(online)
	}
	if qualityChanged {
		m.qualCh.Publish(q)
	}
}

// IsOnline reports the last observed connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Quality reports the last observed bandwidth class.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Status returns a restartable stream of online/offline transitions.
func (m *Monitor) Status() *stream.Subscription[bool] { return m.statusCh.Subscribe() }

// QualityStream returns a restartable stream of quality transitions.
func (m *Monitor) QualityStream() *stream.Subscription[Quality] { return m.qualCh.Subscribe() }

// CheckConnectivity performs a one-shot probe, updating the published state.
func (m *Monitor) CheckConnectivity(ctx context.Context) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	var online bool
	var rtt time.Duration
	go func() {
		online, rtt = m.ping(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.PingTimeout + time.Second):
		return false, &types.TimeoutError{Op: "connectivity probe"}
	}

	q := QualityOffline
	if online {
		q = qualityFromLatency(rtt)
	}
	m.setState(online, q)
	return online, nil
}

// SetOnline force-sets connectivity. Used by callers that learn about the
// link from elsewhere (a failed push, a platform signal) and by tests.
func (m *Monitor) SetOnline(online bool) {
	q := QualityOffline
	if online {
		q = QualityGood
	}
	m.setState(online, q)
}

// Destroy stops probing and completes both streams.
func (m *Monitor) Destroy() {
	m.cancel()
	m.wg.Wait()
	m.statusCh.Close()
	m.qualCh.Close()
}
