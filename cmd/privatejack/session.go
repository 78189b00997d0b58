package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/chaz8081/privatejack/internal/ble"
	"github.com/chaz8081/privatejack/internal/capture"
	"github.com/chaz8081/privatejack/internal/config"
)

// session owns the adapter and capture file for one command run. Clients
// made from it share one key cache.
type session struct {
	adapter  ble.Adapter
	closers  []func() error
	recorder capture.Recorder
	opts     ble.ClientOptions
}

func openSession() (*session, error) {
	s := &session{opts: cfg.ClientOptions()}

	switch cfg.Backend {
	case "hci":
		a, err := ble.NewHCIAdapter(cfg.HCIDevice)
		if err != nil {
			return nil, fmt.Errorf("opening hci%d: %w", cfg.HCIDevice, err)
		}
		s.adapter = a
		s.closers = append(s.closers, a.Close)
	default:
		s.adapter = ble.NewSystemAdapter()
	}

	recorders := capture.Multi{capture.NewLogger(logger)}
	if cfg.Capture.Enabled {
		f, err := capture.Create(cfg.Capture.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("[CAPTURE] recording", "path", cfg.Capture.Path)
		recorders = append(recorders, f)
		s.closers = append(s.closers, f.Close)
	}
	s.recorder = recorders
	s.opts.Recorder = recorders
	s.opts.Logger = logger
	return s, nil
}

func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// resolve turns a device name or address into a target. Configured devices
// without a key get their advertisement from a scan; anything else must be
// found by the scan.
func (s *session) resolve(ctx context.Context, query string) (ble.Target, error) {
	if query == "" {
		if len(cfg.Devices) != 1 {
			return ble.Target{}, errors.New("name a device: none or several are configured")
		}
		query = cfg.Devices[0].Address
	}
	ts, err := s.resolveAll(ctx, []string{query})
	if err != nil {
		return ble.Target{}, err
	}
	return ts[0], nil
}

// merge adds what the scan learned to a configured target. A configured
// model code wins over the beacon's.
func merge(t ble.Target, dev config.DeviceConfig, d ble.Discovered) ble.Target {
	adv := d.Advertisement
	t.Advert = &adv
	if t.Name == "" {
		t.Name = d.Name
	}
	if dev.ModelCode == 0 && d.Beacon != nil {
		t.Profile.Model = d.Profile.Model
	}
	if d.Profile.Kind != t.Profile.Kind && dev.Kind == "" {
		t.Profile.Kind = d.Profile.Kind
	}
	return t
}

func (s *session) client(t ble.Target) (*ble.Client, error) {
	return ble.NewClient(s.adapter, t, s.opts)
}

// connect resolves query and returns a client with its link up.
func (s *session) connect(ctx context.Context, query string) (*ble.Client, error) {
	t, err := s.resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	c, err := s.client(t)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// resolveAll resolves several devices with at most one scan.
func (s *session) resolveAll(ctx context.Context, queries []string) ([]ble.Target, error) {
	targets := make([]ble.Target, len(queries))
	var scan []int
	for i, q := range queries {
		if dev, ok := cfg.Device(q); ok {
			t, err := dev.Target()
			if err != nil {
				return nil, fmt.Errorf("device %s: %w", q, err)
			}
			targets[i] = t
			if t.Key != nil {
				continue
			}
		}
		scan = append(scan, i)
	}
	if len(scan) == 0 {
		return targets, nil
	}

	logger.Info("[BLE] scanning", "devices", len(scan), "timeout", cfg.BLE.ScanTimeout)
	found, err := ble.Discover(ctx, s.adapter, cfg.BLE.ScanTimeout)
	if err != nil {
		return nil, err
	}
	for _, i := range scan {
		q := queries[i]
		dev, configured := cfg.Device(q)
		if configured {
			q = dev.Address
		}
		j := slices.IndexFunc(found, func(d ble.Discovered) bool {
			return strings.EqualFold(d.Address, q) || strings.EqualFold(d.Name, q)
		})
		if j < 0 {
			return nil, fmt.Errorf("%s not seen within %s", q, cfg.BLE.ScanTimeout)
		}
		if configured {
			targets[i] = merge(targets[i], dev, found[j])
		} else {
			targets[i] = found[j].Target()
		}
	}
	return targets, nil
}
