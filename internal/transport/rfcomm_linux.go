//go:build linux

package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mil-ad/posbridge/internal/bluez"
	"github.com/mil-ad/posbridge/internal/registry"
)

// RFCOMM opens Serial Port Profile sockets to Bluetooth printers.
type RFCOMM struct {
	bz   *bluez.Client
	opts RFCOMMOptions
	log  logrus.FieldLogger
}

// NewRFCOMM returns the Bluetooth transport. bz may be nil only in
// ModeChannel, in which case discovery is not cancelled before dialing.
func NewRFCOMM(bz *bluez.Client, opts RFCOMMOptions, log logrus.FieldLogger) (*RFCOMM, error) {
	switch opts.Mode {
	case "", ModeProfile:
		opts.Mode = ModeProfile
		if bz == nil {
			return nil, fmt.Errorf("%w: profile mode needs BlueZ", registry.ErrUnsupported)
		}
	case ModeChannel:
		if opts.Channel < 1 || opts.Channel > 30 {
			return nil, fmt.Errorf("rfcomm channel %d out of range 1-30", opts.Channel)
		}
	default:
		return nil, fmt.Errorf("unknown rfcomm mode %q", opts.Mode)
	}
	return &RFCOMM{bz: bz, opts: opts, log: log.WithField("component", "rfcomm")}, nil
}

func (t *RFCOMM) Kind() registry.Kind { return registry.Bluetooth }

func (t *RFCOMM) Open(ctx context.Context, ep registry.Endpoint) (registry.Handle, error) {
	hw, err := parseMAC(ep.Address)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// An inquiry in progress slows down or breaks the page.
	if t.bz != nil {
		if err := t.bz.StopDiscovery(); err != nil {
			t.log.WithError(err).Debug("stop discovery")
		}
	}

	var fd int
	switch t.opts.Mode {
	case ModeChannel:
		fd, err = dialChannel(hw, t.opts.Channel)
	default:
		fd, err = t.bz.ConnectSPP(ctx, ep.Address)
	}
	if err != nil {
		return nil, err
	}
	return newRFCOMMStream(fd, "rfcomm:"+ep.Address, t.opts.WriteTimeout)
}

// newRFCOMMStream takes ownership of fd. The socket is switched to
// non-blocking so the runtime poller manages it: write deadlines apply and
// Close interrupts a Send stuck on flow control.
func newRFCOMMStream(fd int, name string, writeTimeout time.Duration) (*stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm nonblock: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)
	return newStream(&timedWriter{w: f, timeout: writeTimeout}, func() bool { return pollAlive(f) }), nil
}

func dialChannel(hw []byte, channel uint8) (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, fmt.Errorf("rfcomm socket: %w", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: bdaddr(hw), Channel: channel}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rfcomm connect channel %d: %w", channel, err)
	}
	return fd, nil
}

// pollAlive checks the socket for hang-up or error without blocking. An SPP
// link to a printer that went out of range still looks alive until the
// supervision timeout expires.
func pollAlive(f *os.File) bool {
	rc, err := f.SyscallConn()
	if err != nil {
		return false
	}
	alive := true
	err = rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT | unix.POLLRDHUP}}
		if _, err := unix.Poll(fds, 0); err != nil {
			return
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLRDHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			alive = false
		}
	})
	return err == nil && alive
}
