package bluez

import (
	"errors"
	"io"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func TestDevicePathRoundTrip(t *testing.T) {
	adapter := adapterPath("hci0")
	p := devicePath(adapter, "aa:bb:cc:dd:ee:ff")
	if want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"); p != want {
		t.Fatalf("devicePath = %s, want %s", p, want)
	}
	if got := macFromPath(p); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("macFromPath = %s", got)
	}
	if got := macFromPath("/org/bluez/hci0"); got != "" {
		t.Errorf("macFromPath(adapter) = %q, want empty", got)
	}
	if got := adapterPath(""); got != "/org/bluez/hci0" {
		t.Errorf("adapterPath(\"\") = %s", got)
	}
}

func TestDeviceEventFromSignal(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")
	sig := func(iface string, changed map[string]dbus.Variant) *dbus.Signal {
		return &dbus.Signal{
			Path: path,
			Name: propsIface + "." + propsChanged,
			Body: []interface{}{iface, changed, []string{}},
		}
	}

	tests := []struct {
		name   string
		sig    *dbus.Signal
		want   DeviceEvent
		wantOK bool
	}{
		{
			name:   "connected",
			sig:    sig(deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}),
			want:   DeviceEvent{Address: "00:11:22:33:44:55", State: Connected},
			wantOK: true,
		},
		{
			name:   "disconnected",
			sig:    sig(deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false), "RSSI": dbus.MakeVariant(int16(-60))}),
			want:   DeviceEvent{Address: "00:11:22:33:44:55", State: Disconnected},
			wantOK: true,
		},
		{
			name: "other property",
			sig:  sig(deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))}),
		},
		{
			name: "adapter interface",
			sig:  sig(adapterIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}),
		},
		{
			name: "short body",
			sig:  &dbus.Signal{Path: path, Name: propsIface + "." + propsChanged, Body: []interface{}{deviceIface}},
		},
		{
			name:   "disconnect request",
			sig:    &dbus.Signal{Path: path, Name: disconnectRequest},
			want:   DeviceEvent{Address: "00:11:22:33:44:55", State: Disconnecting},
			wantOK: true,
		},
		{
			name: "nil",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := deviceEventFromSignal(tt.sig)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("got %+v, %v; want %+v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBondedDevices(t *testing.T) {
	dev := func(addr, name string, paired bool, uuids ...string) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{
			deviceIface: {
				"Address": dbus.MakeVariant(addr),
				"Alias":   dbus.MakeVariant(name),
				"Paired":  dbus.MakeVariant(paired),
				"UUIDs":   dbus.MakeVariant(uuids),
			},
		}
	}
	objs := managedObjects{
		"/org/bluez/hci0": {adapterIface: {"Powered": dbus.MakeVariant(true)}},
		"/org/bluez/hci0/dev_66_55_44_33_22_11": dev("66:55:44:33:22:11", "MTP-II", true,
			"00001101-0000-1000-8000-00805f9b34fb"),
		"/org/bluez/hci0/dev_11_22_33_44_55_66": dev("11:22:33:44:55:66", "Headset", true,
			"0000110b-0000-1000-8000-00805f9b34fb"),
		"/org/bluez/hci0/dev_AA_AA_AA_AA_AA_AA": dev("AA:AA:AA:AA:AA:AA", "Stranger", false),
		"/org/bluez/hci1/dev_BB_BB_BB_BB_BB_BB": dev("BB:BB:BB:BB:BB:BB", "Other adapter", true),
	}

	got := bondedDevices("/org/bluez/hci0", objs)
	want := []Device{
		{Name: "Headset", Address: "11:22:33:44:55:66"},
		{Name: "MTP-II", Address: "66:55:44:33:22:11", SPP: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("bondedDevices = %+v, want %+v", got, want)
	}
}

func newTestProfile(ws ...watcher) *sppProfile {
	c := &Client{log: quietLogger(), watchers: map[int]watcher{}}
	for i, w := range ws {
		c.watchers[i] = w
	}
	return &sppProfile{client: c, pending: map[dbus.ObjectPath]chan fdResult{}}
}

func newWatcher() watcher {
	return watcher{sigs: make(chan *dbus.Signal, 16), done: make(chan struct{})}
}

func TestProfileRoutesFdToWaiter(t *testing.T) {
	p := newTestProfile()
	path := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

	r, w := pipe(t)
	defer r.Close()

	ch, err := p.expect(path)
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	if err := p.NewConnection(path, dbus.UnixFD(w.Fd()), nil); err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	res := <-ch
	if res.fd != int(w.Fd()) {
		t.Errorf("fd = %d, want %d", res.fd, w.Fd())
	}
	p.forget(path, ch)
	w.Close()
}

func TestProfileOneWaiterPerDevice(t *testing.T) {
	p := newTestProfile()
	// Lower and upper case addresses resolve to the same device path.
	path := devicePath(adapterPath("hci0"), "aa:bb:cc:dd:ee:ff")
	if other := devicePath(adapterPath("hci0"), "AA:BB:CC:DD:EE:FF"); other != path {
		t.Fatalf("paths differ: %s %s", path, other)
	}

	first, err := p.expect(path)
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	if _, err := p.expect(path); !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("second expect = %v, want ErrConnectInProgress", err)
	}
	p.forget(path, first)
	again, err := p.expect(path)
	if err != nil {
		t.Fatalf("expect after forget: %v", err)
	}
	p.forget(path, again)
}

func TestProfileRejectsUnexpectedConnection(t *testing.T) {
	p := newTestProfile()

	r, w := pipe(t)
	defer r.Close()
	fd, err := unix.Dup(int(w.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	w.Close()

	derr := p.NewConnection("/org/bluez/hci0/dev_00_11_22_33_44_55", dbus.UnixFD(fd), nil)
	if derr == nil || derr.Name != "org.bluez.Error.Rejected" {
		t.Fatalf("NewConnection = %v, want Rejected", derr)
	}
	// The profile closed the write end, so the reader sees EOF.
	if _, err := r.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read after reject = %v, want EOF", err)
	}
}

func connectedSignal(path dbus.ObjectPath, connected bool) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propsIface + "." + propsChanged,
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(connected)}, []string{}},
	}
}

func TestDisconnectRequestKeepsSignalOrder(t *testing.T) {
	w := newWatcher()
	p := newTestProfile(w)
	path := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

	// BlueZ's own signals and the profile callback land on one queue.
	w.sigs <- connectedSignal(path, true)
	p.RequestDisconnection(path)
	w.sigs <- connectedSignal(path, false)

	ch := make(chan DeviceEvent)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.deliver(ch)
	}()

	want := []State{Connected, Disconnecting, Disconnected}
	for i, st := range want {
		select {
		case ev := <-ch:
			if ev != (DeviceEvent{Address: "00:11:22:33:44:55", State: st}) {
				t.Errorf("event %d = %+v, want %v", i, ev, st)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}
	close(w.done)
	<-stopped
}

func TestEnqueueWaitsInsteadOfDropping(t *testing.T) {
	w := watcher{sigs: make(chan *dbus.Signal, 1), done: make(chan struct{})}
	p := newTestProfile(w)
	path := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

	w.sigs <- connectedSignal(path, true)
	returned := make(chan struct{})
	go func() {
		p.RequestDisconnection(path)
		close(returned)
	}()

	<-w.sigs
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("RequestDisconnection still blocked after the queue drained")
	}
	select {
	case sig := <-w.sigs:
		if ev, ok := deviceEventFromSignal(sig); !ok || ev.State != Disconnecting {
			t.Errorf("queued = %+v, %v", ev, ok)
		}
	default:
		t.Fatal("disconnect request was dropped")
	}
}

func TestEnqueueGivesUpOnDepartedWatcher(t *testing.T) {
	w := watcher{sigs: make(chan *dbus.Signal), done: make(chan struct{})}
	p := newTestProfile(w)
	close(w.done)

	returned := make(chan struct{})
	go func() {
		p.RequestDisconnection("/org/bluez/hci0/dev_00_11_22_33_44_55")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("RequestDisconnection blocked on a cancelled watcher")
	}
}

func pipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return r, w
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
