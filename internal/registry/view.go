package registry

import "time"

// Authorizer reports whether an address is on the whitelist. The whitelist
// package satisfies this; the indirection keeps authorization a read-time
// property instead of a cached flag on the record.
type Authorizer interface {
	Contains(addr string) bool
}

// DeviceView is the read model handed to the API and event observers.
type DeviceView struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	RSSI         *int      `json:"rssi,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Connected    bool      `json:"connected"`
	IsAuthorized bool      `json:"is_authorized"`
	Attempts     int       `json:"connection_attempts"`
}

// ViewOf projects a device snapshot, deriving the authorization flag from
// the current whitelist.
func ViewOf(d *Device, auth Authorizer) DeviceView {
	return DeviceView{
		Address:      d.Address,
		Name:         d.DisplayName(),
		RSSI:         d.RSSI,
		FirstSeen:    d.FirstSeen,
		LastSeen:     d.LastSeen,
		Connected:    d.Connected,
		IsAuthorized: auth.Contains(d.Address),
		Attempts:     d.Attempts,
	}
}

// Views projects a list of snapshots.
func Views(devs []*Device, auth Authorizer) []DeviceView {
	out := make([]DeviceView, 0, len(devs))
	for _, d := range devs {
		out = append(out, ViewOf(d, auth))
	}

	return out
}

// AuthorizedViews projects only the whitelisted subset.
func AuthorizedViews(devs []*Device, auth Authorizer) []DeviceView {
	out := make([]DeviceView, 0, len(devs))

	for _, d := range devs {
		if !auth.Contains(d.Address) {
			continue
		}

		out = append(out, ViewOf(d, auth))
	}

	return out
}
