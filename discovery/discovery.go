// Package discovery finds running Dart VM services by probing candidate
// endpoints concurrently. Every probe is independent: a candidate that refuses
// the connection, times out or answers with the wrong shape is left out of the
// result without failing the scan.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shaharia-lab/flutterbridge/jsonrpc"
	"github.com/shaharia-lab/flutterbridge/observability"
	"github.com/shaharia-lab/flutterbridge/vmservice"
)

const (
	DefaultConcurrency  = 64
	DefaultProbeTimeout = 500 * time.Millisecond
	DefaultHost         = "127.0.0.1"
)

// ErrInvalidCandidate is returned when the candidate set or the probe timeout
// cannot be scanned at all.
var ErrInvalidCandidate = errors.New("invalid discovery candidate")

// Endpoint is one host:port candidate.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URI returns the VM service WebSocket address of the endpoint.
func (e Endpoint) URI() string {
	return "ws://" + e.String() + "/ws"
}

func (e Endpoint) validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidCandidate)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidCandidate, e.Port)
	}
	return nil
}

// Instance is a successfully probed VM service.
type Instance struct {
	URI          string    `json:"uri"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	ProjectName  string    `json:"project_name"`
	Device       string    `json:"device"`
	VMVersion    string    `json:"vm_version"`
	HasAuth      bool      `json:"has_auth"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Endpoint returns the candidate the instance was found at.
func (i Instance) Endpoint() Endpoint {
	return Endpoint{Host: i.Host, Port: i.Port}
}

// Discoverer runs probe scans.
type Discoverer struct {
	logger      observability.Logger
	newDialer   func() vmservice.Dialer
	concurrency int
	limiter     *rate.Limiter
	dialect     jsonrpc.Dialect
	now         func() time.Time
}

// Option configures a Discoverer.
type Option func(*Discoverer)

func UseLogger(logger observability.Logger) Option {
	return func(d *Discoverer) {
		d.logger = logger
	}
}

// UseDialerFactory sets how each probe obtains its transport.
func UseDialerFactory(factory func() vmservice.Dialer) Option {
	return func(d *Discoverer) {
		d.newDialer = factory
	}
}

// UseConcurrency caps the number of probes in flight.
func UseConcurrency(n int) Option {
	return func(d *Discoverer) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// UseRateLimit paces probe starts to perSecond with the given burst. A
// non-positive rate disables pacing.
func UseRateLimit(perSecond float64, burst int) Option {
	return func(d *Discoverer) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// UseDialect selects the envelope spoken by probed services.
func UseDialect(dialect jsonrpc.Dialect) Option {
	return func(d *Discoverer) {
		d.dialect = dialect
	}
}

// NewDiscoverer returns a Discoverer that probes over WebSocket with the stock
// jsonrpc envelope used by Dart VM services.
func NewDiscoverer(opts ...Option) *Discoverer {
	d := &Discoverer{
		logger:      observability.NewNullLogger(),
		newDialer:   func() vmservice.Dialer { return vmservice.NewWebSocketDialer() },
		concurrency: DefaultConcurrency,
		dialect:     jsonrpc.Standard,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover probes every candidate concurrently and returns the valid ones
// ordered by host then port. Probe failures are never returned as errors; the
// call fails only for an invalid candidate set or a cancelled ctx.
func (d *Discoverer) Discover(ctx context.Context, candidates []Endpoint, perProbeTimeout time.Duration) ([]Instance, error) {
	ctx, span := observability.StartSpan(ctx, "discovery.Discover",
		trace.WithAttributes(attribute.Int("candidates", len(candidates))))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if perProbeTimeout <= 0 {
		err = fmt.Errorf("%w: probe timeout must be positive", ErrInvalidCandidate)
		return nil, err
	}

	unique := make([]Endpoint, 0, len(candidates))
	seen := make(map[Endpoint]struct{}, len(candidates))
	for _, c := range candidates {
		if err = c.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}

	d.logger.WithFields(map[string]interface{}{
		"candidates": len(unique),
		"timeout":    perProbeTimeout.String(),
	}).Debug("Starting discovery scan")

	var (
		mu    sync.Mutex
		found []Instance
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, candidate := range unique {
		if gctx.Err() != nil {
			break
		}
		candidate := candidate
		g.Go(func() error {
			if d.limiter != nil {
				if err := d.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			inst, ok := d.probe(gctx, candidate, perProbeTimeout)
			if ok {
				mu.Lock()
				found = append(found, inst)
				mu.Unlock()
			}
			return nil
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		err = fmt.Errorf("discovery aborted: %w", waitErr)
		return nil, err
	}
	if ctx.Err() != nil {
		err = fmt.Errorf("discovery aborted: %w", ctx.Err())
		return nil, err
	}

	sortInstances(found)
	if found == nil {
		found = []Instance{}
	}

	d.logger.WithFields(map[string]interface{}{"found": len(found)}).Info("Discovery scan complete")
	return found, nil
}

// probe connects to one candidate, issues getVM and disconnects. It reports
// false for every kind of failure.
func (d *Discoverer) probe(ctx context.Context, ep Endpoint, timeout time.Duration) (Instance, bool) {
	ctx, span := observability.StartSpan(ctx, "discovery.probe",
		trace.WithAttributes(attribute.String("endpoint", ep.String())))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := d.logger.WithFields(map[string]interface{}{"endpoint": ep.String()})

	client := vmservice.NewClient(d.newDialer(),
		vmservice.UseLogger(logger),
		vmservice.UseDialect(d.dialect),
		vmservice.UseConnectTimeout(timeout),
		vmservice.UseCallTimeout(timeout),
	)
	if err = client.Connect(ctx, ep.URI(), ""); err != nil {
		logger.WithErr(err).Debug("Probe failed to connect")
		return Instance{}, false
	}
	defer client.Disconnect()

	var raw json.RawMessage
	raw, err = client.Call(ctx, "getVM", nil)
	if err != nil {
		logger.WithErr(err).Debug("Probe validation call failed")
		return Instance{}, false
	}

	id, ok := identify(raw)
	if !ok {
		err = fmt.Errorf("getVM result lacks type and name")
		logger.Debug("Probe answered with an unexpected shape")
		return Instance{}, false
	}

	inst := Instance{
		URI:          ep.URI(),
		Host:         ep.Host,
		Port:         ep.Port,
		ProjectName:  id.projectName,
		Device:       id.device,
		VMVersion:    id.vmVersion,
		DiscoveredAt: d.now(),
	}
	logger.WithFields(map[string]interface{}{"project": inst.ProjectName, "device": inst.Device}).
		Debug("Probe found VM service")
	return inst, true
}

func sortInstances(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		a, b := instances[i], instances[j]
		if a.Host != b.Host {
			return lessHost(a.Host, b.Host)
		}
		return a.Port < b.Port
	})
}

// lessHost orders IP addresses numerically and falls back to string order for
// names.
func lessHost(a, b string) bool {
	ipA, errA := netip.ParseAddr(a)
	ipB, errB := netip.ParseAddr(b)
	switch {
	case errA == nil && errB == nil:
		return ipA.Less(ipB)
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
