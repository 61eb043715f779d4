// Package connectivity reports whether the remote side is reachable.
package connectivity

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Checker reports current reachability. Implementations must be safe for
// concurrent use.
type Checker interface {
	Online(ctx context.Context) bool
}

// Static is a Checker with a fixed answer.
type Static bool

// Online returns the fixed answer.
func (s Static) Online(context.Context) bool { return bool(s) }

// DefaultTimeout bounds a single probe dial.
const DefaultTimeout = 3 * time.Second

// Probe checks reachability by opening a TCP connection to Addr.
type Probe struct {
	addr    string
	timeout time.Duration
	logger  *zap.SugaredLogger
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	// 0 = unknown, 1 = online, 2 = offline
	last atomic.Int32
}

// NewProbe creates a Probe for addr ("host:port"). A zero timeout uses
// DefaultTimeout; a nil logger discards output.
func NewProbe(addr string, timeout time.Duration, logger *zap.SugaredLogger) *Probe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	d := &net.Dialer{}
	return &Probe{
		addr:    addr,
		timeout: timeout,
		logger:  logger.With("component", "connectivity"),
		dial:    d.DialContext,
	}
}

// Addr returns the probed address.
func (p *Probe) Addr() string {
	return p.addr
}

// Online dials the probe address. An empty address is always online.
func (p *Probe) Online(ctx context.Context) bool {
	if p.addr == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		if p.last.Swap(2) != 2 {
			p.logger.Infow("remote unreachable", "addr", p.addr, "error", err)
		}
		return false
	}
	conn.Close()

	if p.last.Swap(1) == 2 {
		p.logger.Infow("remote reachable again", "addr", p.addr)
	}
	return true
}
