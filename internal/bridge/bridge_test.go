package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mil-ad/posbridge/internal/bluez"
	"github.com/mil-ad/posbridge/internal/registry"
	"github.com/mil-ad/posbridge/internal/relay"
)

type memHandle struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (h *memHandle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, append([]byte(nil), data...))
	return nil
}

func (h *memHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *memHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type memTransport struct {
	kind    registry.Kind
	mu      sync.Mutex
	opened  map[registry.Key]*memHandle
	openErr error
}

func (t *memTransport) Kind() registry.Kind { return t.kind }

func (t *memTransport) Open(_ context.Context, ep registry.Endpoint) (registry.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	h := &memHandle{}
	if t.opened == nil {
		t.opened = map[registry.Key]*memHandle{}
	}
	t.opened[ep.Key()] = h
	return h, nil
}

func (t *memTransport) handle(k registry.Key) *memHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[k]
}

type staticAdapter struct {
	off     bool
	devices []bluez.Device
	err     error
}

func (s *staticAdapter) BondedDevices() ([]bluez.Device, error) { return s.devices, s.err }
func (s *staticAdapter) Powered() (bool, error) { return !s.off, nil }

type nopSource struct{}

func (nopSource) Subscribe(chan<- bluez.DeviceEvent) (func(), error) { return func() {}, nil }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	b       *Bridge
	bt      *memTransport
	tcp     *memTransport
	adapter *staticAdapter
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	bt := &memTransport{kind: registry.Bluetooth}
	tcp := &memTransport{kind: registry.TCP}
	reg := registry.New(registry.WithLogger(quietLogger()), registry.WithTransport(bt), registry.WithTransport(tcp))
	t.Cleanup(reg.Close)
	rel := relay.New(nopSource{}, quietLogger())
	t.Cleanup(rel.Stop)
	adapter := &staticAdapter{devices: []bluez.Device{{Name: "MTP-II", Address: "66:55:44:33:22:11", SPP: true}}}
	return fixture{b: New(reg, rel, adapter, quietLogger()), bt: bt, tcp: tcp, adapter: adapter}
}

func call(t *testing.T, b *Bridge, method string, a map[string]any) Response {
	t.Helper()
	req := Request{Method: method, Args: map[string]json.RawMessage{}}
	for k, v := range a {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", k, err)
		}
		req.Args[k] = raw
	}
	return b.Handle(context.Background(), req)
}

const mac = "AA:BB:CC:DD:EE:FF"

func TestBluetoothScenario(t *testing.T) {
	f := newFixture(t)
	addr := map[string]any{"address": mac}

	if r := call(t, f.b, MethodConnectBluetooth, addr); r.Result != true {
		t.Fatalf("connect = %+v", r)
	}
	if r := call(t, f.b, MethodIsBluetoothConnected, addr); r.Result != true {
		t.Fatalf("isConnected after connect = %+v", r)
	}
	if r := call(t, f.b, MethodWriteBluetooth, map[string]any{"address": mac, "bytes": []int{1, 2, 3}}); r.Result != true {
		t.Fatalf("write = %+v", r)
	}
	if r := call(t, f.b, MethodListConnectedBluetooth, nil); !reflect.DeepEqual(r.Result, []string{mac}) {
		t.Errorf("listConnected = %#v", r.Result)
	}
	if r := call(t, f.b, MethodDisconnectBluetooth, addr); r.Result != true {
		t.Fatalf("disconnect = %+v", r)
	}
	if r := call(t, f.b, MethodIsBluetoothConnected, addr); r.Result != false {
		t.Fatalf("isConnected after disconnect = %+v", r)
	}

	h := f.bt.handle(registry.BluetoothKey(mac))
	if len(h.sent) != 1 || !bytes.Equal(h.sent[0], []byte{1, 2, 3}) {
		t.Errorf("sent = %v", h.sent)
	}
}

func TestTCPDefaultPortAndBinaryBuffer(t *testing.T) {
	f := newFixture(t)

	if r := call(t, f.b, MethodConnectTCP, map[string]any{"host": "192.168.1.80"}); r.Result != true {
		t.Fatalf("connect = %+v", r)
	}
	payload := []byte{0x1b, 0x40, 0x1d, 0x56, 0x00}
	// []byte marshals as base64, the binary form of the argument.
	if r := call(t, f.b, MethodWriteTCP, map[string]any{"host": "192.168.1.80", "port": 9100, "bytes": payload}); r.Result != true {
		t.Fatalf("write = %+v", r)
	}
	if r := call(t, f.b, MethodListConnectedTCP, nil); !reflect.DeepEqual(r.Result, []string{"192.168.1.80:9100"}) {
		t.Errorf("listConnectedTcp = %#v", r.Result)
	}
	h := f.tcp.handle("192.168.1.80:9100")
	if h == nil || len(h.sent) != 1 || !bytes.Equal(h.sent[0], payload) {
		t.Fatalf("handle = %+v", h)
	}
	if r := call(t, f.b, MethodDisconnectTCP, map[string]any{"host": "192.168.1.80"}); r.Result != true {
		t.Fatalf("disconnect = %+v", r)
	}
	if r := call(t, f.b, MethodIsTCPConnected, map[string]any{"host": "192.168.1.80"}); r.Result != false {
		t.Errorf("isTcpConnected = %+v", r)
	}
}

func TestMissingArgumentsRejectedBeforeIO(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		method string
		args   map[string]any
	}{
		{MethodConnectBluetooth, nil},
		{MethodConnectBluetooth, map[string]any{"address": ""}},
		{MethodWriteBluetooth, map[string]any{"address": mac}},
		{MethodDisconnectBluetooth, nil},
		{MethodConnectTCP, map[string]any{"port": 9100}},
		{MethodWriteTCP, map[string]any{"host": "printer"}},
	}
	for _, tt := range tests {
		r := call(t, f.b, tt.method, tt.args)
		if r.Error == nil || r.Error.Code != CodeMissingArgument {
			t.Errorf("%s(%v) = %+v, want MISSING_ARGUMENT", tt.method, tt.args, r)
		}
	}
	if len(f.bt.opened)+len(f.tcp.opened) != 0 {
		t.Error("rejected request opened a connection")
	}
}

func TestFailureReasons(t *testing.T) {
	f := newFixture(t)

	r := call(t, f.b, MethodWriteBluetooth, map[string]any{"address": mac, "bytes": []int{1}})
	if r.Result != false || r.Reason != ReasonNotConnected {
		t.Errorf("write unknown = %+v", r)
	}

	f.bt.openErr = errors.New("host is down")
	r = call(t, f.b, MethodConnectBluetooth, map[string]any{"address": mac})
	if r.Result != false || r.Reason != ReasonConnectFailed {
		t.Errorf("connect failure = %+v", r)
	}

	call(t, f.b, MethodConnectTCP, map[string]any{"host": "printer"})
	r = call(t, f.b, MethodConnectTCP, map[string]any{"host": "printer", "policy": "reject"})
	if r.Result != false || r.Reason != ReasonAlreadyConnected {
		t.Errorf("reject policy = %+v", r)
	}

	r = call(t, f.b, MethodConnectTCP, map[string]any{"host": "printer", "policy": "maybe"})
	if r.Error == nil || r.Error.Code != CodeInvalidArgument {
		t.Errorf("bad policy = %+v", r)
	}

	r = call(t, f.b, "printQRCode", nil)
	if r.Error == nil || r.Error.Code != CodeNotImplemented {
		t.Errorf("unknown method = %+v", r)
	}
}

func TestBluetoothUnsupported(t *testing.T) {
	reg := registry.New(registry.WithLogger(quietLogger()), registry.WithTransport(&memTransport{kind: registry.TCP}))
	b := New(reg, relay.New(nil, quietLogger()), nil, quietLogger())

	r := call(t, b, MethodConnectBluetooth, map[string]any{"address": mac})
	if r.Result != false || r.Reason != ReasonUnsupported {
		t.Errorf("connect = %+v", r)
	}
	r = call(t, b, MethodScanBluetooth, nil)
	if devs, ok := r.Result.([]bluez.Device); !ok || len(devs) != 0 || r.Reason != ReasonUnsupported {
		t.Errorf("scan = %+v", r)
	}
	r = call(t, b, MethodCapabilities, nil)
	if r.Result != (Capabilities{TCP: true}) {
		t.Errorf("capabilities = %+v", r.Result)
	}
	if e := b.Listen(func(relay.Event) {}); e == nil || e.Code != CodeUnsupported {
		t.Errorf("listen = %v", e)
	}
}

func TestScanAndDisconnectAll(t *testing.T) {
	f := newFixture(t)

	r := call(t, f.b, MethodScanBluetooth, nil)
	devs, ok := r.Result.([]bluez.Device)
	if !ok || len(devs) != 1 || devs[0].Address != "66:55:44:33:22:11" {
		t.Errorf("scan = %+v", r)
	}

	call(t, f.b, MethodConnectBluetooth, map[string]any{"address": mac})
	call(t, f.b, MethodConnectBluetooth, map[string]any{"address": "00:11:22:33:44:55"})
	call(t, f.b, MethodConnectTCP, map[string]any{"host": "printer"})

	if r := call(t, f.b, MethodDisconnectAllBluetooth, nil); r.Result != true {
		t.Fatalf("disconnectAll = %+v", r)
	}
	if r := call(t, f.b, MethodListConnectedBluetooth, nil); !reflect.DeepEqual(r.Result, []string{}) {
		t.Errorf("listConnected after disconnectAll = %#v", r.Result)
	}
	if r := call(t, f.b, MethodIsTCPConnected, map[string]any{"host": "printer"}); r.Result != true {
		t.Error("disconnectAllBluetooth dropped a TCP connection")
	}
}

func TestListenSingleSubscriber(t *testing.T) {
	f := newFixture(t)
	if e := f.b.Listen(func(relay.Event) {}); e != nil {
		t.Fatalf("listen: %v", e)
	}
	if e := f.b.Listen(func(relay.Event) {}); e == nil || e.Code != CodeBusy {
		t.Errorf("second listen = %v, want BUSY", e)
	}
	f.b.Unlisten()
	if e := f.b.Listen(func(relay.Event) {}); e != nil {
		t.Errorf("listen after unlisten: %v", e)
	}
}

func TestAdapterPoweredOff(t *testing.T) {
	f := newFixture(t)
	f.adapter.off = true

	r := call(t, f.b, MethodConnectBluetooth, map[string]any{"address": mac})
	if r.Result != false || r.Reason != ReasonConnectFailed {
		t.Errorf("connect = %+v", r)
	}
	if h := f.bt.handle(registry.BluetoothKey(mac)); h != nil {
		t.Error("transport dialed with the adapter off")
	}
	r = call(t, f.b, MethodCapabilities, nil)
	if r.Result != (Capabilities{TCP: true, Events: true}) {
		t.Errorf("capabilities = %+v", r.Result)
	}

	f.adapter.off = false
	if r := call(t, f.b, MethodConnectBluetooth, map[string]any{"address": mac}); r.Result != true {
		t.Errorf("connect after power on = %+v", r)
	}
}
