package netmon

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"
)

// HealthChecker is the remote reachability check used by Prober.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Prober periodically measures reachability and feeds the Monitor.
type Prober struct {
	Monitor  *Monitor
	Checker  HealthChecker
	Interval time.Duration
	Timeout  time.Duration
	// Transport pins the transport; empty means detect from interfaces.
	Transport Transport
	// Detect overrides interface-based transport detection.
	Detect func() Transport
}

func (p *Prober) String() string { return "network-prober" }

// Serve probes until ctx is cancelled. It implements suture.Service.
func (p *Prober) Serve(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProbeOnce performs a single measurement, updates the monitor and returns
// the new state.
func (p *Prober) ProbeOnce(ctx context.Context) State {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := p.transport()

	var s State
	if transport == TransportNone {
		s = State{Transport: TransportNone}
	} else {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := p.Checker.HealthCheck(pctx)
		latency := time.Since(start)
		cancel()

		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("network probe failed", "transport", transport, "err", err)
			}
			s = State{Transport: transport}
		} else {
			s = State{
				Connected: true,
				Transport: transport,
				Quality:   QualityFor(transport, latency),
				Latency:   latency,
			}
		}
	}

	prev := p.Monitor.Update(s)
	if prev.Connected != s.Connected || prev.Quality != s.Quality {
		slog.Info("network state changed",
			"connected", s.Connected, "transport", s.Transport, "quality", s.Quality.String())
	}
	return p.Monitor.Current()
}

func (p *Prober) transport() Transport {
	if p.Transport != "" {
		return p.Transport
	}
	if p.Detect != nil {
		return p.Detect()
	}
	return DetectTransport()
}

// DetectTransport guesses the active transport from network interface names.
// Reachability is decided by the probe, so an unrecognized active interface
// reports TransportOther rather than none.
func DetectTransport() Transport {
	ifaces, err := net.Interfaces()
	if err != nil {
		return TransportOther
	}
	var names []string
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		names = append(names, ifc.Name)
	}
	return ClassifyInterfaces(names)
}

// ClassifyInterfaces picks the best transport among active interface names.
func ClassifyInterfaces(names []string) Transport {
	best := TransportNone
	rank := map[Transport]int{TransportNone: 0, TransportOther: 1, TransportCellular: 2, TransportWiFi: 3, TransportEthernet: 4}
	for _, n := range names {
		t := classifyInterface(strings.ToLower(n))
		if rank[t] > rank[best] {
			best = t
		}
	}
	return best
}

func classifyInterface(name string) Transport {
	switch {
	case strings.HasPrefix(name, "wl"):
		return TransportWiFi
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ppp"):
		return TransportCellular
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return TransportEthernet
	default:
		return TransportOther
	}
}
