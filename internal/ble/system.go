package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// SystemAdapter drives the operating system's BLE stack through
// tinygo-org/bluetooth: BlueZ on Linux, CoreBluetooth on macOS, WinRT on
// Windows. On macOS addresses are CoreBluetooth UUIDs, not MAC addresses.
type SystemAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*systemConnection
	enabled     bool
}

// NewSystemAdapter wraps the default system adapter.
func NewSystemAdapter() *SystemAdapter {
	return &SystemAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*systemConnection),
	}
}

func (a *SystemAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The stack reports drops per adapter, not per device.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	a.enabled = true
	return nil
}

func (a *SystemAdapter) Scan(ctx context.Context, match func(string) bool) ([]Advertisement, error) {
	var mu sync.Mutex
	found := make(map[string]*Advertisement)
	var order []string

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		name := result.LocalName()

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
		// BlueZ delivers name and data in separate updates; keep the latest of each.
		if name != "" {
			adv.Name = name
		}
		adv.RSSI = int(result.RSSI)
		for _, m := range result.ManufacturerData() {
			adv.ManufacturerData[m.CompanyID] = append([]byte(nil), m.Data...)
		}
		for _, s := range result.ServiceData() {
			adv.ServiceData[normalizeUUID(s.UUID.String())] = append([]byte(nil), s.Data...)
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
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

func (a *SystemAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// Connect blocks with its own timeout; ctx only bounds how long we wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// release a link that completes after we gave up on it
			if r := <-ch; r.err == nil {
				r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &systemConnection{device: result.device, services: make(map[string]bluetooth.DeviceService)}
		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

var _ Adapter = (*SystemAdapter)(nil)

type systemConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	services     map[string]bluetooth.DeviceService
	disconnectCb func()
}

func (c *systemConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	svc, ok := c.services[serviceUUID]
	c.mu.Unlock()
	if !ok {
		svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil {
			return nil, fmt.Errorf("ble: discover services: %w", err)
		}
		if len(svcs) == 0 {
			return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
		}
		svc = svcs[0]
		c.mu.Lock()
		c.services[serviceUUID] = svc
		c.mu.Unlock()
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{chUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return &systemCharacteristic{char: chars[0]}, nil
}

func (c *systemConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *systemConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *systemConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type systemCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *systemCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *systemCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}

// Unsubscribe disables notifications; the stack treats a nil callback as stop.
func (c *systemCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
