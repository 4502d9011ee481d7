// Package history remembers the VM services that discovery has found, so later
// scans can re-probe them even when they listen outside the scanned port range.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/shaharia-lab/flutterbridge/discovery"
)

var ErrNotFound = errors.New("instance not found in history")

// Record is one remembered VM service.
type Record struct {
	URI         string    `json:"uri"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	ProjectName string    `json:"project_name"`
	Device      string    `json:"device"`
	VMVersion   string    `json:"vm_version"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	SeenCount   int       `json:"seen_count"`
}

func (r Record) Endpoint() discovery.Endpoint {
	return discovery.Endpoint{Host: r.Host, Port: r.Port}
}

// Storage defines the interface for instance history storage
type Storage interface {
	// Record upserts every instance keyed by URI. An existing record keeps its
	// FirstSeen and has its SeenCount incremented.
	Record(ctx context.Context, instances []discovery.Instance) error

	// Recent returns at most limit records, most recently seen first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Forget removes the record of uri or returns ErrNotFound.
	Forget(ctx context.Context, uri string) error

	Close() error
}

// Endpoints lists the candidates of records in order.
func Endpoints(records []Record) []discovery.Endpoint {
	out := make([]discovery.Endpoint, 0, len(records))
	for _, r := range records {
		out = append(out, r.Endpoint())
	}
	return out
}

func seenAt(inst discovery.Instance) time.Time {
	if inst.DiscoveredAt.IsZero() {
		return time.Now().UTC()
	}
	return inst.DiscoveredAt.UTC()
}
