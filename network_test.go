package fieldscript

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Derived decisions
// =============================================================================

func TestNetworkState_Decisions(t *testing.T) {
	tests := []struct {
		name     string
		state    NetworkState
		good     bool
		heavy    bool
		strategy SyncStrategy
	}{
		{"disconnected", Disconnected(), false, false, StrategyOfflineOnly},
		{"wifi excellent", NetworkState{Connected: true, Type: ConnWiFi, Validated: true, Signal: SignalExcellent}, true, true, StrategyFullSync},
		{"wifi poor", NetworkState{Connected: true, Type: ConnWiFi, Validated: true, Signal: SignalPoor}, true, false, StrategyIncrementalSync},
		{"wifi unvalidated", NetworkState{Connected: true, Type: ConnWiFi, Signal: SignalGood}, false, false, StrategyFullSync},
		{"ethernet good", NetworkState{Connected: true, Type: ConnEthernet, Validated: true, Signal: SignalGood}, true, false, StrategyIncrementalSync},
		{"cellular good", NetworkState{Connected: true, Type: ConnCellular, Metered: true, Validated: true, Signal: SignalGood}, true, false, StrategyEssentialOnly},
		{"cellular fair", NetworkState{Connected: true, Type: ConnCellular, Metered: true, Validated: true, Signal: SignalFair}, false, false, StrategyEssentialOnly},
		{"cellular poor", NetworkState{Connected: true, Type: ConnCellular, Metered: true, Validated: true, Signal: SignalPoor}, false, false, StrategyOfflineOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsGoodForSync(); got != tt.good {
				t.Errorf("IsGoodForSync = %v, want %v", got, tt.good)
			}
			if got := tt.state.IsGoodForHeavySync(); got != tt.heavy {
				t.Errorf("IsGoodForHeavySync = %v, want %v", got, tt.heavy)
			}
			if got := tt.state.RecommendedStrategy(); got != tt.strategy {
				t.Errorf("RecommendedStrategy = %s, want %s", got, tt.strategy)
			}
		})
	}
}

func TestSyncStrategy_Mode(t *testing.T) {
	if m, ok := StrategyFullSync.Mode(); !ok || m != ModeFull {
		t.Errorf("FULL_SYNC.Mode() = %s, %v", m, ok)
	}
	if m, ok := StrategyEssentialOnly.Mode(); !ok || m != ModeEssential {
		t.Errorf("ESSENTIAL_ONLY.Mode() = %s, %v", m, ok)
	}
	if _, ok := StrategyOfflineOnly.Mode(); ok {
		t.Error("OFFLINE_ONLY should not map to a mode")
	}
}

func TestSignalStrength_String(t *testing.T) {
	if SignalGood.String() != "GOOD" {
		t.Errorf("SignalGood = %q", SignalGood.String())
	}
	if SignalStrength(42).String() != "UNKNOWN" {
		t.Errorf("out of range = %q", SignalStrength(42).String())
	}
}

// =============================================================================
// SystemProber
// =============================================================================

func fakeLinks(names ...string) (func() ([]net.Interface, error), func(net.Interface) ([]net.Addr, error)) {
	ifaces := []net.Interface{{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}}
	for _, n := range names {
		ifaces = append(ifaces, net.Interface{Name: n, Flags: net.FlagUp})
	}
	list := func() ([]net.Interface, error) { return ifaces, nil }
	addrs := func(net.Interface) ([]net.Addr, error) {
		return []net.Addr{&net.IPNet{IP: net.IPv4(10, 0, 0, 2), Mask: net.CIDRMask(24, 32)}}, nil
	}
	return list, addrs
}

func TestSystemProber_NoLinks(t *testing.T) {
	list, addrs := fakeLinks()
	p := &SystemProber{Interfaces: list, Addrs: addrs}

	if got := p.Probe(context.Background()); got != Disconnected() {
		t.Errorf("Probe = %+v, want disconnected", got)
	}
}

func TestSystemProber_InterfaceError(t *testing.T) {
	p := &SystemProber{Interfaces: func() ([]net.Interface, error) { return nil, errors.New("boom") }}

	if got := p.Probe(context.Background()); got.Connected {
		t.Errorf("Probe = %+v, want disconnected", got)
	}
}

func TestSystemProber_PrefersEthernet(t *testing.T) {
	list, addrs := fakeLinks("wwan0", "wlan0", "eth0")
	p := &SystemProber{Interfaces: list, Addrs: addrs}

	got := p.Probe(context.Background())
	if got.Type != ConnEthernet {
		t.Errorf("Type = %s, want ETHERNET", got.Type)
	}
	if !got.Validated || got.Signal != SignalGood {
		t.Errorf("without health URL want validated GOOD, got %+v", got)
	}
}

func TestSystemProber_CellularIsMetered(t *testing.T) {
	list, addrs := fakeLinks("rmnet0")
	p := &SystemProber{Interfaces: list, Addrs: addrs}

	got := p.Probe(context.Background())
	if got.Type != ConnCellular || !got.Metered {
		t.Errorf("got %+v, want metered cellular", got)
	}
}

func TestSystemProber_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	list, addrs := fakeLinks("wlan0")
	p := NewSystemProber(srv.URL)
	p.Interfaces, p.Addrs = list, addrs

	got := p.Probe(context.Background())
	if !got.Connected || !got.Validated || got.Type != ConnWiFi {
		t.Errorf("got %+v, want validated wifi", got)
	}
	if got.Signal < SignalFair {
		t.Errorf("Signal = %s for a local server", got.Signal)
	}
}

func TestSystemProber_HealthCheckFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	list, addrs := fakeLinks("wlan0")
	p := NewSystemProber(srv.URL)
	p.Interfaces, p.Addrs = list, addrs

	got := p.Probe(context.Background())
	if !got.Connected || got.Validated {
		t.Errorf("got %+v, want connected but unvalidated", got)
	}
	if got.Signal != SignalPoor {
		t.Errorf("Signal = %s, want POOR", got.Signal)
	}
}

func TestSignalFromLatency(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want SignalStrength
	}{
		{20 * time.Millisecond, SignalExcellent},
		{200 * time.Millisecond, SignalGood},
		{600 * time.Millisecond, SignalFair},
		{3 * time.Second, SignalPoor},
	}
	for _, tt := range tests {
		if got := signalFromLatency(tt.d); got != tt.want {
			t.Errorf("signalFromLatency(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

// =============================================================================
// NetworkMonitor
// =============================================================================

type switchProber struct {
	mu    sync.Mutex
	state NetworkState
	calls int
}

func (p *switchProber) set(s NetworkState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *switchProber) Probe(context.Context) NetworkState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.state
}

var goodWiFi = NetworkState{Connected: true, Type: ConnWiFi, Validated: true, Signal: SignalExcellent}

func TestNetworkMonitor_StartsDisconnected(t *testing.T) {
	m := NewNetworkMonitor(nil, 0, nil)
	defer m.Stop()

	if m.CurrentState().Connected {
		t.Error("monitor should start disconnected")
	}
	if m.RecommendedStrategy() != StrategyOfflineOnly {
		t.Errorf("RecommendedStrategy = %s", m.RecommendedStrategy())
	}
}

func TestNetworkMonitor_SetStateNormalizesDisconnected(t *testing.T) {
	m := NewNetworkMonitor(nil, 0, nil)
	defer m.Stop()

	m.SetState(goodWiFi)
	m.SetState(NetworkState{Type: ConnWiFi, Signal: SignalGood, Validated: true})

	if got := m.CurrentState(); got != Disconnected() {
		t.Errorf("CurrentState = %+v, want Disconnected()", got)
	}
	if m.IsGoodForSync() {
		t.Error("disconnected state is not good for sync")
	}
}

func TestNetworkMonitor_Refresh(t *testing.T) {
	p := &switchProber{state: goodWiFi}
	m := NewNetworkMonitor(p, time.Hour, nil)
	defer m.Stop()

	if got := m.Refresh(context.Background()); got != goodWiFi {
		t.Errorf("Refresh = %+v", got)
	}
	if !m.IsGoodForHeavySync() {
		t.Error("IsGoodForHeavySync should be true after refresh")
	}
}

func TestNetworkMonitor_PollsAndPublishes(t *testing.T) {
	p := &switchProber{state: Disconnected()}
	m := NewNetworkMonitor(p, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := m.Changes(ctx)
	if got := recv(t, changes); got.Connected {
		t.Fatalf("initial state = %+v", got)
	}

	m.Start(ctx)
	p.set(goodWiFi)

	if got := recv(t, changes); got != goodWiFi {
		t.Errorf("change = %+v, want good wifi", got)
	}

	m.Stop()
	expectClosed(t, changes)
}

func TestNetworkMonitor_ChangesUnsubscribe(t *testing.T) {
	m := NewNetworkMonitor(nil, 0, nil)
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Changes(ctx)
	recv(t, ch)

	cancel()
	expectClosed(t, ch)
}
