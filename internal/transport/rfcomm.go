package transport

import (
	"fmt"
	"net"
	"time"
)

// RFCOMMMode selects how an SPP socket is obtained.
type RFCOMMMode string

const (
	// ModeProfile asks BlueZ to connect the Serial Port Profile and hand
	// over the socket. The RFCOMM channel is resolved through SDP.
	ModeProfile RFCOMMMode = "profile"
	// ModeChannel dials a fixed RFCOMM channel directly.
	ModeChannel RFCOMMMode = "channel"
)

// RFCOMMOptions configures the Bluetooth transport.
type RFCOMMOptions struct {
	Mode    RFCOMMMode
	Channel uint8

	// WriteTimeout bounds a single Send. Zero means no deadline.
	WriteTimeout time.Duration
}

// parseMAC accepts the colon separated 48-bit form, e.g. "AA:BB:CC:DD:EE:FF".
func parseMAC(addr string) (net.HardwareAddr, error) {
	hw, err := net.ParseMAC(addr)
	if err != nil {
		return nil, err
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("not a bluetooth address: %q", addr)
	}
	return hw, nil
}

// bdaddr returns hw in the little-endian order the kernel expects.
func bdaddr(hw net.HardwareAddr) [6]byte {
	var b [6]byte
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b
}
