package jobs

import (
	"context"
)

// Host status values. Only active hosts are eligible targets.
const (
	HostActive      = "active"
	HostMaintenance = "maintenance"
	HostInactive    = "inactive"
)

// StaticDirectory serves targeting from a fixed inventory, typically loaded
// from configuration. Hosts are owned by an external system; this keeps a
// read-only view.
type StaticDirectory struct {
	hosts  map[string]Host
	groups map[string][]string
}

// NewStaticDirectory indexes the inventory by host id and group id.
func NewStaticDirectory(hosts []Host) *StaticDirectory {
	d := &StaticDirectory{
		hosts:  make(map[string]Host, len(hosts)),
		groups: make(map[string][]string),
	}
	for _, h := range hosts {
		if h.Port == 0 {
			h.Port = 22
		}
		if h.Status == "" {
			h.Status = HostActive
		}
		d.hosts[h.ID] = h
		if h.GroupID != "" {
			d.groups[h.GroupID] = append(d.groups[h.GroupID], h.ID)
		}
	}
	return d
}

// ResolveTargets expands host ids and group ids into the active hosts they
// denote. Unknown ids and inactive hosts are dropped, duplicates collapse.
func (d *StaticDirectory) ResolveTargets(_ context.Context, hostIDs, groupIDs []string) ([]Host, error) {
	seen := make(map[string]bool)
	var out []Host

	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		h, ok := d.hosts[id]
		if !ok || h.Status != HostActive {
			return
		}
		out = append(out, h)
	}

	for _, id := range hostIDs {
		add(id)
	}
	for _, gid := range groupIDs {
		for _, id := range d.groups[gid] {
			add(id)
		}
	}
	return out, nil
}

// Hosts returns the whole inventory.
func (d *StaticDirectory) Hosts() []Host {
	out := make([]Host, 0, len(d.hosts))
	for _, h := range d.hosts {
		out = append(out, h)
	}
	return out
}
