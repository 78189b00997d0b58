package poller

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Group runs several pollers side by side. Devices share nothing, so one
// device failing never stalls another.
type Group struct {
	pollers []*Poller
}

func NewGroup(pollers ...*Poller) *Group {
	return &Group{pollers: pollers}
}

// Get finds the poller for address.
func (g *Group) Get(address string) (*Poller, error) {
	for _, p := range g.pollers {
		if strings.EqualFold(p.Address(), address) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("poller: no device %s", address)
}

// Pollers returns the members in the order they were added.
func (g *Group) Pollers() []*Poller { return append([]*Poller(nil), g.pollers...) }

// Run runs every poller until ctx is done.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range g.pollers {
		eg.Go(func() error { return p.Run(ctx) })
	}
	return eg.Wait()
}
