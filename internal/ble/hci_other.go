//go:build !linux

package ble

import (
	"context"
	"errors"
)

var errNoHCI = errors.New("ble: raw HCI backend is only available on linux")

// HCIAdapter is unavailable off Linux.
type HCIAdapter struct{}

func NewHCIAdapter(int) (*HCIAdapter, error) { return nil, errNoHCI }

func (*HCIAdapter) Enable() error { return errNoHCI }
func (*HCIAdapter) Close() error  { return nil }

func (*HCIAdapter) Scan(context.Context, func(string) bool) ([]Advertisement, error) {
	return nil, errNoHCI
}

func (*HCIAdapter) Connect(context.Context, string) (Connection, error) { return nil, errNoHCI }

var _ Adapter = (*HCIAdapter)(nil)
