//go:build linux

package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// HCIAdapter talks to a Linux controller over a raw HCI socket with
// go-ble, bypassing BlueZ. It needs CAP_NET_ADMIN and the controller must
// be down in bluetoothd.
type HCIAdapter struct {
	id int

	mu  sync.Mutex
	dev *linux.Device
}

// NewHCIAdapter returns an adapter for hciN. The socket is opened on Enable.
func NewHCIAdapter(id int) (*HCIAdapter, error) {
	if id < 0 {
		return nil, fmt.Errorf("ble: invalid hci device %d", id)
	}
	return &HCIAdapter{id: id}, nil
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return nil
	}
	dev, err := linux.NewDevice(goble.OptDeviceID(a.id))
	if err != nil {
		return fmt.Errorf("ble: open hci%d: %w", a.id, err)
	}
	a.dev = dev
	return nil
}

func (a *HCIAdapter) device() (*linux.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil, fmt.Errorf("ble: hci%d not enabled", a.id)
	}
	return a.dev, nil
}

// Close releases the HCI socket.
func (a *HCIAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil
	}
	err := a.dev.Stop()
	a.dev = nil
	return err
}

func (a *HCIAdapter) Scan(ctx context.Context, match func(string) bool) ([]Advertisement, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	found := make(map[string]*Advertisement)
	var order []string

	err = dev.Scan(ctx, true, func(ad goble.Advertisement) {
		addr := ad.Addr().String()
		name := ad.LocalName()

		mu.Lock()
		defer mu.Unlock()
		adv, seen := found[addr]
		if !seen {
			if !match(name) {
				return
			}
			adv = &Advertisement{
				Address:          addr,
				ManufacturerData: make(map[uint16][]byte),
				ServiceData:      make(map[string][]byte),
			}
			found[addr] = adv
			order = append(order, addr)
		}
		if name != "" {
			adv.Name = name
		}
		adv.RSSI = ad.RSSI()
		// raw manufacturer data leads with the little-endian company ID
		if md := ad.ManufacturerData(); len(md) >= 2 {
			adv.ManufacturerData[binary.LittleEndian.Uint16(md)] = append([]byte(nil), md[2:]...)
		}
		for _, sd := range ad.ServiceData() {
			adv.ServiceData[normalizeUUID(sd.UUID.String())] = append([]byte(nil), sd.Data...)
		}
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Advertisement, 0, len(order))
	for _, addr := range order {
		out = append(out, *found[addr])
	}
	return out, nil
}

func (a *HCIAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}
	cln, err := dev.Dial(ctx, goble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		cln.CancelConnection()
		return nil, fmt.Errorf("ble: discover profile: %w", err)
	}
	return &hciConnection{client: cln, profile: profile}, nil
}

var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	client  goble.Client
	profile *goble.Profile
}

func (c *hciConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svc, err := goble.Parse(serviceUUID)
	if err != nil {
		return nil, err
	}
	want, err := goble.Parse(charUUID)
	if err != nil {
		return nil, err
	}
	if c.profile.FindService(goble.NewService(svc)) == nil {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}
	ch := c.profile.FindCharacteristic(goble.NewCharacteristic(want))
	if ch == nil {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return &hciCharacteristic{client: c.client, char: ch}, nil
}

func (c *hciConnection) Disconnect() error {
	return c.client.CancelConnection()
}

func (c *hciConnection) OnDisconnect(cb func()) {
	go func() {
		<-c.client.Disconnected()
		cb()
	}()
}

type hciCharacteristic struct {
	client goble.Client
	char   *goble.Characteristic
}

func (c *hciCharacteristic) Write(data []byte) error {
	return c.client.WriteCharacteristic(c.char, data, true)
}

func (c *hciCharacteristic) Subscribe(cb func([]byte)) error {
	return c.client.Subscribe(c.char, false, func(req []byte) { cb(req) })
}

func (c *hciCharacteristic) Unsubscribe() error {
	return c.client.Unsubscribe(c.char, false)
}
