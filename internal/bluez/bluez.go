// Package bluez talks to the BlueZ daemon over the system D-Bus: bonded
// device listing, SPP profile connections and device connectivity signals.
package bluez

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	busName       = "org.bluez"
	rootPath      = "/org/bluez"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	profileIface  = "org.bluez.Profile1"
	profileMgr    = "org.bluez.ProfileManager1"
	propsIface    = "org.freedesktop.DBus.Properties"
	objMgrIface   = "org.freedesktop.DBus.ObjectManager"
	propsChanged  = "PropertiesChanged"
	profileObject = "/org/posbridge/spp"
)

// SPPUUID is the Serial Port Profile service class.
var SPPUUID = uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB")

// ErrUnavailable means BlueZ is not on the system bus.
var ErrUnavailable = errors.New("org.bluez not found on system bus, is bluetooth.service running?")

// Client wraps a system D-Bus connection for one adapter.
type Client struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	log     logrus.FieldLogger

	mu         sync.Mutex
	profile    *sppProfile
	registered bool
	watchers   map[int]watcher
	nextWatch  int
}

// New connects to the system bus and checks that BlueZ is running.
// adapter is the controller name, e.g. "hci0".
func New(adapter string, log logrus.FieldLogger) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	if !slices.Contains(names, busName) {
		conn.Close()
		return nil, ErrUnavailable
	}
	c := &Client{
		conn:     conn,
		adapter:  adapterPath(adapter),
		log:      log.WithField("component", "bluez"),
		watchers: make(map[int]watcher),
	}
	c.profile = &sppProfile{client: c, pending: make(map[dbus.ObjectPath]chan fdResult)}
	return c, nil
}

// Close unregisters the SPP profile and closes the bus connection.
func (c *Client) Close() error {
	c.mu.Lock()
	registered := c.registered
	c.registered = false
	c.mu.Unlock()
	if registered {
		obj := c.conn.Object(busName, rootPath)
		if err := obj.Call(profileMgr+".UnregisterProfile", 0, dbus.ObjectPath(profileObject)).Err; err != nil {
			c.log.WithError(err).Debug("unregister profile")
		}
		c.conn.Export(nil, profileObject, profileIface)
	}
	return c.conn.Close()
}

func adapterPath(name string) dbus.ObjectPath {
	if name == "" {
		name = "hci0"
	}
	return dbus.ObjectPath(rootPath + "/" + name)
}

// devicePath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF". BlueZ paths use upper case.
func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}

// --- property helpers ---

func (c *Client) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := c.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (c *Client) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := c.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

// --- adapter ---

// Powered reports whether the adapter is switched on.
func (c *Client) Powered() (bool, error) {
	return c.getBool(c.adapter, adapterIface, "Powered")
}

// StopDiscovery cancels an in-progress inquiry. BlueZ answers NotReady or
// Failed when no discovery is running; that is not an error here.
func (c *Client) StopDiscovery() error {
	discovering, err := c.getBool(c.adapter, adapterIface, "Discovering")
	if err != nil || !discovering {
		return err
	}
	obj := c.conn.Object(busName, c.adapter)
	if err := obj.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && (dbusErr.Name == "org.bluez.Error.NotReady" || dbusErr.Name == "org.bluez.Error.Failed") {
			return nil
		}
		return fmt.Errorf("stop discovery: %w", err)
	}
	return nil
}
