package transport

import (
	"context"
	"net"
	"time"

	"github.com/mil-ad/posbridge/internal/registry"
)

// DefaultDialTimeout bounds a TCP connect attempt.
const DefaultDialTimeout = 5 * time.Second

// TCP opens raw sockets to network printers.
type TCP struct {
	DialTimeout time.Duration
	// WriteTimeout bounds a single Send. Zero means no deadline.
	WriteTimeout time.Duration
}

func NewTCP(dialTimeout, writeTimeout time.Duration) *TCP {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &TCP{DialTimeout: dialTimeout, WriteTimeout: writeTimeout}
}

func (t *TCP) Kind() registry.Kind { return registry.TCP }

func (t *TCP) Open(ctx context.Context, ep registry.Endpoint) (registry.Handle, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", string(ep.Key()))
	if err != nil {
		return nil, err
	}
	return newStream(&timedWriter{w: conn, timeout: t.WriteTimeout}, nil), nil
}
