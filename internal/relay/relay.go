// Package relay republishes Bluetooth link changes to a single listener.
//
// The OS subscription only exists while a listener is attached: Start
// subscribes, Stop unsubscribes. Nothing is buffered for absent listeners.
package relay

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mil-ad/posbridge/internal/bluez"
)

var (
	ErrSubscriberActive = errors.New("event listener already attached")
	ErrUnsupported      = errors.New("bluetooth events not supported on this platform")
)

// EventKind names a link transition.
type EventKind string

const (
	Connected     EventKind = "connected"
	Disconnecting EventKind = "disconnecting"
	Disconnected  EventKind = "disconnected"
)

// Event is what listeners receive.
type Event struct {
	Type    string    `json:"type"`
	Kind    EventKind `json:"event"`
	Address string    `json:"address"`
}

// Source produces device link notifications. *bluez.Client implements it.
type Source interface {
	Subscribe(ch chan<- bluez.DeviceEvent) (cancel func(), err error)
}

// Sink receives events on the relay's goroutine, in source order. It must
// not call Stop.
type Sink func(Event)

// Relay forwards source notifications to at most one attached Sink.
type Relay struct {
	src Source
	log logrus.FieldLogger

	mu     sync.Mutex
	active bool
	cancel func()
	stop   chan struct{}
	done   chan struct{}
}

// New returns a relay over src. A nil src yields a relay whose Start always
// returns ErrUnsupported.
func New(src Source, log logrus.FieldLogger) *Relay {
	return &Relay{src: src, log: log.WithField("component", "relay")}
}

// Supported reports whether the relay has an event source.
func (r *Relay) Supported() bool {
	return r.src != nil
}

// Active reports whether a listener is attached.
func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Start attaches sink and subscribes to the source.
func (r *Relay) Start(sink Sink) error {
	if r.src == nil {
		return ErrUnsupported
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrSubscriberActive
	}

	ch := make(chan bluez.DeviceEvent, 16)
	cancel, err := r.src.Subscribe(ch)
	if err != nil {
		return err
	}
	r.active = true
	r.cancel = cancel
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.forward(ch, sink, r.stop, r.done)

	r.log.Info("listener attached")
	return nil
}

// Stop detaches the listener and tears down the subscription. It returns
// once no further sink call can happen. Safe to call when not started.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	cancel, stop, done := r.cancel, r.stop, r.done
	r.cancel, r.stop, r.done = nil, nil, nil
	r.mu.Unlock()

	// Unsubscribe first so the source is never left blocked on ch.
	cancel()
	close(stop)
	<-done
	r.log.Info("listener detached")
}

func (r *Relay) forward(ch <-chan bluez.DeviceEvent, sink Sink, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev := <-ch:
			r.log.WithFields(logrus.Fields{"address": ev.Address, "state": ev.State}).Debug("relaying")
			sink(eventFrom(ev))
		}
	}
}

func eventFrom(ev bluez.DeviceEvent) Event {
	kind := Disconnected
	switch ev.State {
	case bluez.Connected:
		kind = Connected
	case bluez.Disconnecting:
		kind = Disconnecting
	}
	return Event{Type: "bluetooth", Kind: kind, Address: ev.Address}
}
