package registry

import (
	"fmt"
	"net"
	"strconv"
)

// Kind identifies the physical medium behind a connection.
type Kind string

const (
	Bluetooth Kind = "bluetooth"
	TCP       Kind = "tcp"
)

// DefaultTCPPort is the raw printing port most network printers listen on.
const DefaultTCPPort = 9100

// Key identifies one physical endpoint. Keys are compared verbatim.
type Key string

// BluetoothKey returns the key for a device MAC address.
func BluetoothKey(addr string) Key {
	return Key(addr)
}

// TCPKey returns the canonical "host:port" key for a TCP endpoint.
func TCPKey(host string, port int) Key {
	return Key(net.JoinHostPort(host, strconv.Itoa(port)))
}

// Endpoint is the target passed to Transport.Open. Address is used by
// Bluetooth, Host and Port by TCP.
type Endpoint struct {
	Kind    Kind
	Address string
	Host    string
	Port    int
}

// BluetoothEndpoint is a convenience constructor.
func BluetoothEndpoint(addr string) Endpoint {
	return Endpoint{Kind: Bluetooth, Address: addr}
}

// TCPEndpoint is a convenience constructor.
func TCPEndpoint(host string, port int) Endpoint {
	return Endpoint{Kind: TCP, Host: host, Port: port}
}

// Key returns the registry key of the endpoint.
func (e Endpoint) Key() Key {
	if e.Kind == TCP {
		return TCPKey(e.Host, e.Port)
	}
	return BluetoothKey(e.Address)
}

// Validate reports a missing required field before any I/O happens.
func (e Endpoint) Validate() error {
	switch e.Kind {
	case Bluetooth:
		if e.Address == "" {
			return fmt.Errorf("%w: address", ErrMissingArgument)
		}
	case TCP:
		if e.Host == "" {
			return fmt.Errorf("%w: host", ErrMissingArgument)
		}
		if e.Port <= 0 || e.Port > 65535 {
			return fmt.Errorf("invalid port %d", e.Port)
		}
	default:
		return fmt.Errorf("%w: transport %q", ErrUnsupported, e.Kind)
	}
	return nil
}

func (e Endpoint) String() string {
	return string(e.Kind) + "://" + string(e.Key())
}
