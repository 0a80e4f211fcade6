package bluez

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// Device is a bonded remote device.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	// SPP is set when the device advertises the Serial Port Profile.
	SPP bool `json:"spp"`
}

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BondedDevices lists paired devices known to the adapter, sorted by address.
func (c *Client) BondedDevices() ([]Device, error) {
	var objs managedObjects
	obj := c.conn.Object(busName, "/")
	if err := obj.Call(objMgrIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return bondedDevices(c.adapter, objs), nil
}

func bondedDevices(adapter dbus.ObjectPath, objs managedObjects) []Device {
	out := []Device{}
	prefix := string(adapter) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		d := Device{Address: macFromPath(path)}
		if v, ok := props["Address"]; ok {
			if s, _ := v.Value().(string); s != "" {
				d.Address = s
			}
		}
		// Alias falls back to Name inside BlueZ, so prefer it when set.
		for _, p := range []string{"Name", "Alias"} {
			if v, ok := props[p]; ok {
				if s, _ := v.Value().(string); s != "" {
					d.Name = s
				}
			}
		}
		if v, ok := props["UUIDs"]; ok {
			list, _ := v.Value().([]string)
			d.SPP = hasUUID(list, SPPUUID)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func hasUUID(list []string, target uuid.UUID) bool {
	for _, s := range list {
		u, err := uuid.Parse(s)
		if err == nil && u == target {
			return true
		}
	}
	return false
}
