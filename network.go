package fieldscript

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ConnectionType is the kind of link the device is using.
type ConnectionType string

const (
	ConnNone     ConnectionType = "NONE"
	ConnWiFi     ConnectionType = "WIFI"
	ConnEthernet ConnectionType = "ETHERNET"
	ConnCellular ConnectionType = "CELLULAR"
	ConnOther    ConnectionType = "OTHER"
)

// SignalStrength is a coarse, monotonic connection quality proxy.
type SignalStrength int

const (
	SignalNone SignalStrength = iota
	SignalPoor
	SignalFair
	SignalGood
	SignalExcellent
)

var signalNames = [...]string{"NONE", "POOR", "FAIR", "GOOD", "EXCELLENT"}

func (s SignalStrength) String() string {
	if s < SignalNone || s > SignalExcellent {
		return "UNKNOWN"
	}
	return signalNames[s]
}

// MarshalText encodes the signal by name.
func (s SignalStrength) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SyncStrategy is the sync aggressiveness recommended for a network state.
type SyncStrategy string

const (
	StrategyOfflineOnly     SyncStrategy = "OFFLINE_ONLY"
	StrategyFullSync        SyncStrategy = "FULL_SYNC"
	StrategyIncrementalSync SyncStrategy = "INCREMENTAL_SYNC"
	StrategyEssentialOnly   SyncStrategy = "ESSENTIAL_ONLY"
)

// Mode maps the strategy onto a sync mode. It returns false for
// StrategyOfflineOnly.
func (s SyncStrategy) Mode() (SyncMode, bool) {
	switch s {
	case StrategyFullSync:
		return ModeFull, true
	case StrategyIncrementalSync:
		return ModeIncremental, true
	case StrategyEssentialOnly:
		return ModeEssential, true
	default:
		return "", false
	}
}

// NetworkState is a snapshot of connectivity.
type NetworkState struct {
	Connected bool           `json:"connected"`
	Type      ConnectionType `json:"type"`
	Metered   bool           `json:"metered"`
	Validated bool           `json:"validated"`
	Signal    SignalStrength `json:"signal"`
}

// Disconnected returns the state reported when no link is available.
func Disconnected() NetworkState {
	return NetworkState{Type: ConnNone, Signal: SignalNone}
}

// IsGoodForSync reports whether regular sync traffic is worthwhile.
func (s NetworkState) IsGoodForSync() bool {
	return s.Connected && s.Validated && (s.Type == ConnWiFi || s.Signal >= SignalGood)
}

// IsGoodForHeavySync reports whether a large transfer is worthwhile.
func (s NetworkState) IsGoodForHeavySync() bool {
	return s.Connected && s.Validated && s.Type == ConnWiFi && s.Signal >= SignalGood
}

// RecommendedStrategy derives the sync aggressiveness for the state.
func (s NetworkState) RecommendedStrategy() SyncStrategy {
	switch {
	case !s.Connected:
		return StrategyOfflineOnly
	case s.Type == ConnWiFi && s.Signal >= SignalGood:
		return StrategyFullSync
	case s.Type == ConnWiFi, !s.Metered && s.Signal >= SignalGood:
		return StrategyIncrementalSync
	case s.Metered && s.Signal >= SignalFair:
		return StrategyEssentialOnly
	default:
		return StrategyOfflineOnly
	}
}

// Prober observes the current connectivity. Implementations never fail;
// they report Disconnected when nothing can be determined.
type Prober interface {
	Probe(ctx context.Context) NetworkState
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) NetworkState

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) NetworkState { return f(ctx) }

// NetworkMonitor tracks connectivity and publishes changes.
type NetworkMonitor struct {
	prober   Prober
	interval time.Duration
	state    *Observable[NetworkState]
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewNetworkMonitor creates a monitor. A nil prober disables polling; the
// state then only changes through SetState.
func NewNetworkMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *NetworkMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &NetworkMonitor{
		prober:   prober,
		interval: interval,
		state:    NewObservable(Disconnected()),
		logger:   logger.With("component", "network"),
	}
}

// Start probes immediately and then on every interval until Stop is
// called or ctx is done.
func (m *NetworkMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || m.prober == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running = true

	go m.pollLoop(ctx, m.done)
}

// Stop halts polling and closes every change stream.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.running = false
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.state.Close()
}

func (m *NetworkMonitor) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *NetworkMonitor) probe(ctx context.Context) {
	m.SetState(m.prober.Probe(ctx))
}

// Refresh probes immediately and returns the resulting state. Without a
// prober it returns the current state.
func (m *NetworkMonitor) Refresh(ctx context.Context) NetworkState {
	if m.prober != nil {
		m.probe(ctx)
	}
	return m.CurrentState()
}

// SetState publishes a state observed by some other means.
func (m *NetworkMonitor) SetState(s NetworkState) {
	if !s.Connected {
		s = Disconnected()
	}
	prev := m.state.Value()
	if m.state.Set(s) {
		m.logger.Info("network changed",
			"connected", s.Connected,
			"type", s.Type,
			"validated", s.Validated,
			"signal", s.Signal.String(),
			"was_connected", prev.Connected,
		)
	}
}

// CurrentState returns the latest observed state.
func (m *NetworkMonitor) CurrentState() NetworkState {
	return m.state.Value()
}

// Changes streams the current state followed by every change until ctx is
// done, at which point the channel is closed and the registration dropped.
func (m *NetworkMonitor) Changes(ctx context.Context) <-chan NetworkState {
	return m.state.Subscribe(ctx)
}

// IsGoodForSync evaluates the current state.
func (m *NetworkMonitor) IsGoodForSync() bool {
	return m.CurrentState().IsGoodForSync()
}

// IsGoodForHeavySync evaluates the current state.
func (m *NetworkMonitor) IsGoodForHeavySync() bool {
	return m.CurrentState().IsGoodForHeavySync()
}

// RecommendedStrategy evaluates the current state.
func (m *NetworkMonitor) RecommendedStrategy() SyncStrategy {
	return m.CurrentState().RecommendedStrategy()
}

// SystemProber inspects local interfaces and, when HealthURL is set,
// validates reachability with an HTTP probe whose latency stands in for
// signal strength.
type SystemProber struct {
	HealthURL  string
	Client     *http.Client
	Interfaces func() ([]net.Interface, error)
	Addrs      func(net.Interface) ([]net.Addr, error)
}

// NewSystemProber returns a prober validating against healthURL.
func NewSystemProber(healthURL string) *SystemProber {
	return &SystemProber{
		HealthURL: healthURL,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Probe implements Prober.
func (p *SystemProber) Probe(ctx context.Context) NetworkState {
	connType, ok := p.activeLink()
	if !ok {
		return Disconnected()
	}

	state := NetworkState{
		Connected: true,
		Type:      connType,
		Metered:   connType == ConnCellular,
	}

	if p.HealthURL == "" {
		state.Validated = true
		state.Signal = baselineSignal(connType)
		return state
	}

	latency, err := p.ping(ctx)
	if err != nil {
		state.Signal = SignalPoor
		return state
	}
	state.Validated = true
	state.Signal = signalFromLatency(latency)
	return state
}

func (p *SystemProber) activeLink() (ConnectionType, bool) {
	list := net.Interfaces
	if p.Interfaces != nil {
		list = p.Interfaces
	}
	addrs := func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() }
	if p.Addrs != nil {
		addrs = p.Addrs
	}

	ifaces, err := list()
	if err != nil {
		return ConnNone, false
	}

	best, found := ConnNone, false
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		a, err := addrs(iface)
		if err != nil || len(a) == 0 {
			continue
		}
		t := classifyInterface(iface.Name)
		if !found || linkRank(t) > linkRank(best) {
			best, found = t, true
		}
	}
	return best, found
}

func (p *SystemProber) ping(ctx context.Context) (time.Duration, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.HealthURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return 0, &SyncError{Kind: KindRemoteUnavailable, Operation: "health", StatusCode: resp.StatusCode, Err: ErrRemoteUnavailable}
	}
	return time.Since(start), nil
}

// classifyInterface guesses the link type from the interface name.
func classifyInterface(name string) ConnectionType {
	switch {
	case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "wifi"):
		return ConnWiFi
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"),
		strings.HasPrefix(name, "ppp"), strings.HasPrefix(name, "pdp_ip"):
		return ConnCellular
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return ConnEthernet
	default:
		return ConnOther
	}
}

func linkRank(t ConnectionType) int {
	switch t {
	case ConnEthernet:
		return 4
	case ConnWiFi:
		return 3
	case ConnOther:
		return 2
	case ConnCellular:
		return 1
	default:
		return 0
	}
}

func baselineSignal(t ConnectionType) SignalStrength {
	switch t {
	case ConnWiFi, ConnEthernet:
		return SignalGood
	case ConnCellular:
		return SignalFair
	default:
		return SignalPoor
	}
}

func signalFromLatency(d time.Duration) SignalStrength {
	switch {
	case d < 150*time.Millisecond:
		return SignalExcellent
	case d < 400*time.Millisecond:
		return SignalGood
	case d < time.Second:
		return SignalFair
	default:
		return SignalPoor
	}
}
