package ble

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/chaz8081/privatejack/internal/ble/keys"
	"github.com/chaz8081/privatejack/internal/model"
)

// NamePrefixes are the local name prefixes Jackery units advertise with.
var NamePrefixes = []string{"HT", "JACKERY", "JK", "EXPLORER"}

// MatchName reports whether a local name looks like a power station. The
// brand names also match anywhere in the name; the short codes only as a
// prefix, to keep unrelated devices out.
func MatchName(name string) bool {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	for _, p := range NamePrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
		if len(p) > 2 && strings.Contains(n, p) {
			return true
		}
	}
	return false
}

// Discovered is a scanned device with whatever could be recovered from its
// advertisement. Err is set when the beacon was missing or unreadable; the
// device can still be used with a configured key.
type Discovered struct {
	Advertisement
	Beacon  *keys.Beacon
	Key     keys.SessionKey
	Profile model.Profile
	Err     error
}

// Inspect derives what it can from one advertisement.
func Inspect(adv Advertisement) Discovered {
	d := Discovered{Advertisement: adv, Profile: model.Classify(adv.Name, 0)}

	svc := serviceData(adv)
	if svc == nil {
		d.Err = &keys.DerivationError{Field: "service data", Reason: "absent"}
		return d
	}
	if len(adv.ManufacturerData) == 0 {
		d.Err = &keys.DerivationError{Field: "manufacturer data", Reason: "absent"}
		return d
	}

	ids := make([]uint16, 0, len(adv.ManufacturerData))
	for id := range adv.ManufacturerData {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		b, key, err := keys.FromAdvertisement(id, adv.ManufacturerData[id], svc)
		if err != nil {
			if d.Err == nil {
				d.Err = err
			}
			continue
		}
		d.Beacon, d.Key, d.Err = b, key, nil
		d.Profile = model.Classify(adv.Name, b.Model)
		break
	}
	return d
}

func serviceData(adv Advertisement) []byte {
	for uuid, data := range adv.ServiceData {
		if normalizeUUID(uuid) == keys.ServiceDataUUID {
			return data
		}
	}
	return nil
}

// Target turns a discovery result into a connection target.
func (d Discovered) Target() Target {
	adv := d.Advertisement
	return Target{
		Address: d.Address,
		Name:    d.Name,
		Profile: d.Profile,
		Key:     d.Key,
		Advert:  &adv,
	}
}

func (d Discovered) String() string {
	s := fmt.Sprintf("%s %s rssi=%d %s", d.Address, d.Name, d.RSSI, d.Profile.Model)
	if d.Beacon != nil {
		s += fmt.Sprintf(" sn=%s battery=%d%%", d.Beacon.Serial, d.Beacon.Battery)
	}
	return s
}

// Discover scans for timeout and inspects every matching advertisement.
func Discover(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Discovered, error) {
	if err := adapter.Enable(); err != nil {
		return nil, &TransportError{Op: "enable", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ads, err := adapter.Scan(ctx, MatchName)
	if err != nil {
		return nil, &TransportError{Op: "scan", Err: err}
	}

	out := make([]Discovered, 0, len(ads))
	for _, adv := range ads {
		d := Inspect(adv)
		if d.Err != nil {
			slog.Debug("[BLE] no key in advertisement", "address", adv.Address, "name", adv.Name, "error", d.Err)
		} else {
			slog.Info("[BLE] discovered", "address", adv.Address, "name", adv.Name,
				"model", d.Profile.Model, "key", d.Key.Fingerprint())
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Discovered) int { return b.RSSI - a.RSSI })
	return out, nil
}
