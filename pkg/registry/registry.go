package registry

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultReregisterInterval is how often a server refreshes its
// registrations.
const DefaultReregisterInterval = 60 * time.Second

// DefaultTTL is how long a registration survives without a refresh.
const DefaultTTL = 2 * DefaultReregisterInterval

// Registration is one alias served at one endpoint.
type Registration struct {
	// InstanceID identifies the registering server process.
	InstanceID string `json:"instance_id"`

	// Alias is the upper-cased service alias.
	Alias string `json:"alias"`

	Host string `json:"host"`
	Port int    `json:"port"`

	RegisteredAt time.Time `json:"registered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Endpoint returns host:port.
func (r Registration) Endpoint() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Discoverer finds the endpoints serving an alias.
type Discoverer interface {
	Lookup(ctx context.Context, alias string) ([]Registration, error)
}

// NormalizeAliases upper-cases aliases and drops empty and duplicate
// entries, keeping the first occurrence order.
func NormalizeAliases(aliases []string) []string {
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// NewInstanceID returns a random identifier for a server process.
func NewInstanceID() string {
	return uuid.NewString()
}

// AdvertiseHost returns host, or the machine hostname when host is empty.
func AdvertiseHost(host string) (string, error) {
	if host != "" {
		return host, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to determine hostname: %w", err)
	}
	return name, nil
}

// Table is an in-memory set of registrations with expiry. It backs the
// UDP registry server.
//
// Thread safety:
// All methods are safe for concurrent use.
type Table struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time

	// entries maps alias to endpoint to registration
	entries map[string]map[string]Registration
}

// NewTable creates a Table whose entries expire ttl after their last
// refresh. A ttl of 0 selects DefaultTTL.
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]Registration),
	}
}

// Add inserts or refreshes reg under each of aliases.
func (t *Table) Add(reg Registration, aliases []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, alias := range NormalizeAliases(aliases) {
		endpoints, ok := t.entries[alias]
		if !ok {
			endpoints = make(map[string]Registration)
			t.entries[alias] = endpoints
		}

		entry := reg
		entry.Alias = alias
		if prev, ok := endpoints[reg.Endpoint()]; ok && prev.InstanceID == reg.InstanceID {
			entry.RegisteredAt = prev.RegisteredAt
		} else {
			entry.RegisteredAt = now
		}
		entry.ExpiresAt = now.Add(t.ttl)
		endpoints[reg.Endpoint()] = entry
	}
}

// Remove deletes every alias registered at host:port and returns how many
// entries were removed.
func (t *Table) Remove(host string, port int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	endpoint := net.JoinHostPort(host, strconv.Itoa(port))
	removed := 0
	for alias, endpoints := range t.entries {
		if _, ok := endpoints[endpoint]; ok {
			delete(endpoints, endpoint)
			removed++
		}
		if len(endpoints) == 0 {
			delete(t.entries, alias)
		}
	}
	return removed
}

// Lookup returns the live registrations for alias, oldest first.
func (t *Table) Lookup(alias string) []Registration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var out []Registration
	for _, reg := range t.entries[strings.ToUpper(alias)] {
		if now.Before(reg.ExpiresAt) {
			out = append(out, reg)
		}
	}
	sortRegistrations(out)
	return out
}

// Aliases returns every alias with at least one live registration.
func (t *Table) Aliases() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var out []string
	for alias, endpoints := range t.entries {
		for _, reg := range endpoints {
			if now.Before(reg.ExpiresAt) {
				out = append(out, alias)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Prune drops expired entries and returns how many were dropped.
func (t *Table) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	pruned := 0
	for alias, endpoints := range t.entries {
		for endpoint, reg := range endpoints {
			if !now.Before(reg.ExpiresAt) {
				delete(endpoints, endpoint)
				pruned++
			}
		}
		if len(endpoints) == 0 {
			delete(t.entries, alias)
		}
	}
	return pruned
}

func sortRegistrations(regs []Registration) {
	sort.Slice(regs, func(i, j int) bool {
		if !regs[i].RegisteredAt.Equal(regs[j].RegisteredAt) {
			return regs[i].RegisteredAt.Before(regs[j].RegisteredAt)
		}
		return regs[i].Endpoint() < regs[j].Endpoint()
	})
}
