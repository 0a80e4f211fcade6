// Package bridge maps daemon requests onto the connection registry and the
// event relay. Every failure degrades to a false result or an error object;
// nothing a client sends can stop the daemon from serving the next request.
package bridge

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/mil-ad/posbridge/internal/bluez"
	"github.com/mil-ad/posbridge/internal/registry"
	"github.com/mil-ad/posbridge/internal/relay"
)

// Adapter is the local Bluetooth controller. *bluez.Client implements it.
type Adapter interface {
	BondedDevices() ([]bluez.Device, error)
	Powered() (bool, error)
}

// Bridge dispatches requests by method name. It is safe for concurrent use.
type Bridge struct {
	reg     *registry.Registry
	relay   *relay.Relay
	adapter Adapter
	log     logrus.FieldLogger

	// DefaultPort is used when a TCP request omits "port".
	DefaultPort int

	handlers map[string]func(context.Context, args) Response
}

// New wires a bridge. adapter may be nil when BlueZ is unavailable.
func New(reg *registry.Registry, rel *relay.Relay, adapter Adapter, log logrus.FieldLogger) *Bridge {
	b := &Bridge{
		reg:         reg,
		relay:       rel,
		adapter:     adapter,
		log:         log.WithField("component", "bridge"),
		DefaultPort: registry.DefaultTCPPort,
	}
	b.handlers = map[string]func(context.Context, args) Response{
		MethodScanBluetooth:          b.scanBluetooth,
		MethodConnectBluetooth:       b.connectBluetooth,
		MethodDisconnectBluetooth:    b.disconnectBluetooth,
		MethodIsBluetoothConnected:   b.isBluetoothConnected,
		MethodWriteBluetooth:         b.writeBluetooth,
		MethodListConnectedBluetooth: b.listConnected(registry.Bluetooth),
		MethodDisconnectAllBluetooth: b.disconnectAll(registry.Bluetooth),
		MethodConnectTCP:             b.connectTCP,
		MethodWriteTCP:               b.writeTCP,
		MethodDisconnectTCP:          b.disconnectTCP,
		MethodIsTCPConnected:         b.isTCPConnected,
		MethodListConnectedTCP:       b.listConnected(registry.TCP),
		MethodDisconnectAllTCP:       b.disconnectAll(registry.TCP),
		MethodCapabilities:           b.capabilities,
	}
	return b
}

// Handle runs one request to completion. Listen is not handled here since
// it needs the caller's connection; see Listen.
func (b *Bridge) Handle(ctx context.Context, req Request) Response {
	log := b.log.WithField("method", req.Method)
	h, ok := b.handlers[req.Method]
	if !ok {
		log.Debug("unknown method")
		return errorResponse(&Error{Code: CodeNotImplemented, Message: "unknown method: " + req.Method})
	}
	resp := h(ctx, args(req.Args))
	log.WithFields(logrus.Fields{"result": resp.Result, "reason": resp.Reason}).Debug("handled")
	return resp
}

// Listen attaches sink to the event relay.
func (b *Bridge) Listen(sink relay.Sink) *Error {
	err := b.relay.Start(sink)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, relay.ErrSubscriberActive):
		return &Error{Code: CodeBusy, Message: err.Error()}
	case errors.Is(err, relay.ErrUnsupported):
		return &Error{Code: CodeUnsupported, Message: err.Error()}
	}
	b.log.WithError(err).Warn("event subscription failed")
	return &Error{Code: CodeUnsupported, Message: err.Error()}
}

// Unlisten detaches the current event listener.
func (b *Bridge) Unlisten() {
	b.relay.Stop()
}

// --- bluetooth ---

func (b *Bridge) scanBluetooth(_ context.Context, _ args) Response {
	if b.adapter == nil {
		return Response{Result: []bluez.Device{}, Reason: ReasonUnsupported}
	}
	devices, err := b.adapter.BondedDevices()
	if err != nil {
		b.log.WithError(err).Warn("scan failed")
		return Response{Result: []bluez.Device{}, Reason: ReasonScanFailed}
	}
	return Response{Result: devices}
}

func (b *Bridge) connectBluetooth(ctx context.Context, a args) Response {
	addr, e := a.str("address")
	if e != nil {
		return errorResponse(e)
	}
	if b.reg.Supports(registry.Bluetooth) && !b.adapterPowered() {
		b.log.WithField("address", addr).Warn("bluetooth adapter is off, not connecting")
		return Response{Result: false, Reason: ReasonConnectFailed}
	}
	return b.connect(ctx, a, registry.BluetoothEndpoint(addr))
}

// adapterPowered is false only when an adapter is present and not usable.
func (b *Bridge) adapterPowered() bool {
	if b.adapter == nil {
		return true
	}
	on, err := b.adapter.Powered()
	if err != nil {
		b.log.WithError(err).Debug("read adapter power state")
		return false
	}
	return on
}

func (b *Bridge) disconnectBluetooth(_ context.Context, a args) Response {
	addr, e := a.str("address")
	if e != nil {
		return errorResponse(e)
	}
	b.reg.Disconnect(registry.BluetoothKey(addr))
	return Response{Result: true}
}

func (b *Bridge) isBluetoothConnected(_ context.Context, a args) Response {
	addr, e := a.str("address")
	if e != nil {
		return errorResponse(e)
	}
	return Response{Result: b.reg.IsConnected(registry.BluetoothKey(addr))}
}

func (b *Bridge) writeBluetooth(_ context.Context, a args) Response {
	addr, e := a.str("address")
	if e != nil {
		return errorResponse(e)
	}
	data, e := a.bytes("bytes")
	if e != nil {
		return errorResponse(e)
	}
	return boolResponse(b.reg.Write(registry.BluetoothKey(addr), data))
}

// --- tcp ---

func (b *Bridge) tcpEndpoint(a args) (registry.Endpoint, *Error) {
	host, e := a.str("host")
	if e != nil {
		return registry.Endpoint{}, e
	}
	port, e := a.intOr("port", b.DefaultPort)
	if e != nil {
		return registry.Endpoint{}, e
	}
	if port <= 0 || port > 65535 {
		return registry.Endpoint{}, &Error{Code: CodeInvalidArgument, Message: "port out of range"}
	}
	return registry.TCPEndpoint(host, port), nil
}

func (b *Bridge) connectTCP(ctx context.Context, a args) Response {
	ep, e := b.tcpEndpoint(a)
	if e != nil {
		return errorResponse(e)
	}
	return b.connect(ctx, a, ep)
}

func (b *Bridge) writeTCP(_ context.Context, a args) Response {
	ep, e := b.tcpEndpoint(a)
	if e != nil {
		return errorResponse(e)
	}
	data, e := a.bytes("bytes")
	if e != nil {
		return errorResponse(e)
	}
	return boolResponse(b.reg.Write(ep.Key(), data))
}

func (b *Bridge) disconnectTCP(_ context.Context, a args) Response {
	ep, e := b.tcpEndpoint(a)
	if e != nil {
		return errorResponse(e)
	}
	b.reg.Disconnect(ep.Key())
	return Response{Result: true}
}

func (b *Bridge) isTCPConnected(_ context.Context, a args) Response {
	ep, e := b.tcpEndpoint(a)
	if e != nil {
		return errorResponse(e)
	}
	return Response{Result: b.reg.IsConnected(ep.Key())}
}

// --- shared ---

func (b *Bridge) connect(ctx context.Context, a args, ep registry.Endpoint) Response {
	name, e := a.optStr("policy")
	if e != nil {
		return errorResponse(e)
	}
	policy := b.reg.Policy()
	if name != "" {
		p, err := registry.ParsePolicy(name)
		if err != nil {
			return errorResponse(&Error{Code: CodeInvalidArgument, Message: err.Error()})
		}
		policy = p
	}
	return boolResponse(b.reg.ConnectWithPolicy(ctx, ep, policy))
}

func (b *Bridge) listConnected(kind registry.Kind) func(context.Context, args) Response {
	return func(context.Context, args) Response {
		keys := b.reg.ListConnected(kind)
		out := make([]string, len(keys))
		for i, k := range keys {
			out[i] = string(k)
		}
		return Response{Result: out}
	}
}

func (b *Bridge) disconnectAll(kind registry.Kind) func(context.Context, args) Response {
	return func(context.Context, args) Response {
		b.reg.DisconnectAll(kind)
		return Response{Result: true}
	}
}

func (b *Bridge) capabilities(context.Context, args) Response {
	return Response{Result: Capabilities{
		Bluetooth: b.reg.Supports(registry.Bluetooth) && b.adapterPowered(),
		TCP:       b.reg.Supports(registry.TCP),
		Events:    b.relay.Supported(),
	}}
}

func errorResponse(e *Error) Response {
	return Response{Error: e}
}

// boolResponse turns a registry error into a false result with a reason.
func boolResponse(err error) Response {
	if err == nil {
		return Response{Result: true}
	}
	if errors.Is(err, registry.ErrMissingArgument) {
		return errorResponse(&Error{Code: CodeMissingArgument, Message: err.Error()})
	}
	return Response{Result: false, Reason: reason(err)}
}

func reason(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnsupported):
		return ReasonUnsupported
	case errors.Is(err, registry.ErrAlreadyConnected):
		return ReasonAlreadyConnected
	case errors.Is(err, registry.ErrNotConnected):
		return ReasonNotConnected
	case errors.Is(err, registry.ErrWrite):
		return ReasonWriteFailed
	case errors.Is(err, registry.ErrClosed):
		return ReasonClosed
	}
	return ReasonConnectFailed
}
