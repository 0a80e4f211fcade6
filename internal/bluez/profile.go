package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
)

// ErrConnectInProgress means another ConnectSPP to the same device has not
// finished yet. Addresses differing only in case name the same device.
var ErrConnectInProgress = errors.New("SPP connect already in progress")

type fdResult struct {
	fd int
}

// sppProfile implements org.bluez.Profile1 for the client side of SPP.
// BlueZ hands the connected RFCOMM socket to NewConnection; the fd is routed
// to whichever ConnectSPP call is waiting on that device.
type sppProfile struct {
	client *Client

	mu      sync.Mutex
	pending map[dbus.ObjectPath]chan fdResult
}

// Release is called by BlueZ when the profile is unregistered.
func (p *sppProfile) Release() *dbus.Error { return nil }

// Cancel is called when a pending request is aborted.
func (p *sppProfile) Cancel() *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket for dev.
func (p *sppProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.pending[dev]
	if ok {
		select {
		case ch <- fdResult{fd: int(fd)}:
			return nil
		default:
		}
	}
	p.client.log.WithField("device", string(dev)).Warn("unexpected SPP connection, rejecting")
	os.NewFile(uintptr(fd), "rfcomm").Close()
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no pending connect"}}
}

// RequestDisconnection is called before BlueZ tears down the link.
func (p *sppProfile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.client.enqueue(&dbus.Signal{Path: dev, Name: disconnectRequest})
	return nil
}

// expect registers the single waiter for dev's socket.
func (p *sppProfile) expect(dev dbus.ObjectPath) (chan fdResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.pending[dev]; busy {
		return nil, fmt.Errorf("%w: %s", ErrConnectInProgress, macFromPath(dev))
	}
	ch := make(chan fdResult, 1)
	p.pending[dev] = ch
	return ch, nil
}

// forget stops routing fds for dev and closes one that arrived too late.
func (p *sppProfile) forget(dev dbus.ObjectPath, ch chan fdResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[dev] == ch {
		delete(p.pending, dev)
	}
	select {
	case res := <-ch:
		os.NewFile(uintptr(res.fd), "rfcomm").Close()
	default:
	}
}

func (c *Client) ensureProfile() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}
	if err := c.conn.Export(c.profile, profileObject, profileIface); err != nil {
		return fmt.Errorf("export profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Name":        dbus.MakeVariant("posbridge serial port"),
		"Role":        dbus.MakeVariant("client"),
		"AutoConnect": dbus.MakeVariant(false),
	}
	obj := c.conn.Object(busName, rootPath)
	if err := obj.Call(profileMgr+".RegisterProfile", 0, dbus.ObjectPath(profileObject), SPPUUID.String(), opts).Err; err != nil {
		c.conn.Export(nil, profileObject, profileIface)
		return fmt.Errorf("register SPP profile: %w", err)
	}
	c.registered = true
	return nil
}

// ConnectSPP opens an SPP link to addr and returns the socket fd, which the
// caller owns. ctx bounds the wait for BlueZ.
func (c *Client) ConnectSPP(ctx context.Context, addr string) (int, error) {
	if err := c.ensureProfile(); err != nil {
		return -1, err
	}
	path := devicePath(c.adapter, addr)
	ch, err := c.profile.expect(path)
	if err != nil {
		return -1, err
	}
	defer c.profile.forget(path, ch)

	obj := c.conn.Object(busName, path)
	if err := obj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID.String()).Err; err != nil {
		return -1, fmt.Errorf("connect profile: %w", err)
	}
	select {
	case res := <-ch:
		return res.fd, nil
	case <-ctx.Done():
		return -1, fmt.Errorf("waiting for SPP socket: %w", ctx.Err())
	}
}
