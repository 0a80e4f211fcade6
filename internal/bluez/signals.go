package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// State is a device link state as reported by BlueZ.
type State int

const (
	Connected State = iota
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DeviceEvent is one link state change of a remote device.
type DeviceEvent struct {
	Address string
	State   State
}

// disconnectRequest names the synthetic signal queued when BlueZ calls
// Profile1.RequestDisconnection.
const disconnectRequest = profileIface + ".RequestDisconnection"

// watcher is one subscriber's signal queue. BlueZ signals and disconnect
// requests share it, so a subscriber sees them in arrival order.
type watcher struct {
	sigs chan *dbus.Signal
	done chan struct{}
}

// Subscribe forwards device link changes to ch until cancel is called.
// Events come from Device1.Connected property changes and from BlueZ asking
// the SPP profile to disconnect. Sends to ch block, so the reader must keep
// draining it until cancel returns.
func (c *Client) Subscribe(ch chan<- DeviceEvent) (cancel func(), err error) {
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember(propsChanged),
		dbus.WithMatchPathNamespace(c.adapter),
	}
	if err := c.conn.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("add match: %w", err)
	}
	w := watcher{sigs: make(chan *dbus.Signal, 16), done: make(chan struct{})}
	c.conn.Signal(w.sigs)

	c.mu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = w
	c.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.deliver(ch)
	}()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
		c.conn.RemoveSignal(w.sigs)
		if err := c.conn.RemoveMatchSignal(match...); err != nil {
			c.log.WithError(err).Debug("remove match")
		}
		close(w.done)
		<-stopped
	}, nil
}

// deliver converts queued signals to events until done is closed.
func (w watcher) deliver(ch chan<- DeviceEvent) {
	for {
		select {
		case <-w.done:
			return
		case sig, ok := <-w.sigs:
			if !ok {
				return
			}
			ev, ok := deviceEventFromSignal(sig)
			if !ok {
				continue
			}
			select {
			case ch <- ev:
			case <-w.done:
				return
			}
		}
	}
}

// enqueue appends sig to every subscriber's queue. It waits for room rather
// than dropping, and gives up only on a subscriber that is going away.
func (c *Client) enqueue(sig *dbus.Signal) {
	c.mu.Lock()
	ws := make([]watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.Unlock()
	for _, w := range ws {
		select {
		case w.sigs <- sig:
		case <-w.done:
		}
	}
}

// deviceEventFromSignal maps a PropertiesChanged signal carrying
// Device1.Connected, or a queued disconnect request, to an event.
func deviceEventFromSignal(sig *dbus.Signal) (DeviceEvent, bool) {
	if sig == nil {
		return DeviceEvent{}, false
	}
	if sig.Name == disconnectRequest {
		mac := macFromPath(sig.Path)
		return DeviceEvent{Address: mac, State: Disconnecting}, mac != ""
	}
	if sig.Name != propsIface+"."+propsChanged {
		return DeviceEvent{}, false
	}
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return DeviceEvent{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceIface {
		return DeviceEvent{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return DeviceEvent{}, false
	}
	connVar, ok := changed["Connected"]
	if !ok {
		return DeviceEvent{}, false
	}
	connected, ok := connVar.Value().(bool)
	if !ok {
		return DeviceEvent{}, false
	}
	mac := macFromPath(sig.Path)
	if mac == "" {
		return DeviceEvent{}, false
	}
	state := Disconnected
	if connected {
		state = Connected
	}
	return DeviceEvent{Address: mac, State: state}, true
}
