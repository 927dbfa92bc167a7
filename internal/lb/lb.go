// Package lb selects a healthy instance to serve a request: round-robin,
// least-connections, or IP-hash sticky sessions, tracked per app.
package lb

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Strategy is a load balancing algorithm.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	IPHash           Strategy = "ip_hash"
)

// ParseStrategy maps a config string to a Strategy, defaulting to
// RoundRobin for an empty or unrecognized value.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case LeastConnections, IPHash:
		return Strategy(s)
	default:
		return RoundRobin
	}
}

// Instance is the minimal view of a running instance the balancer needs:
// enough to track connections and build a backend address.
type Instance struct {
	ID   uint32
	Port int
}

// InstanceSource supplies the current set of instances eligible to
// receive traffic. Implementations typically filter to the Healthy
// state; the balancer does no health filtering of its own.
type InstanceSource interface {
	HealthyInstances() []Instance
}

// AppLoadBalancer balances requests across one app's healthy instances.
type AppLoadBalancer struct {
	source   InstanceSource
	strategy Strategy

	rrCounter atomic.Uint64

	mu          sync.Mutex
	connections map[uint32]*atomic.Int64
}

// NewAppLoadBalancer builds a balancer over source using strategy.
func NewAppLoadBalancer(source InstanceSource, strategy Strategy) *AppLoadBalancer {
	return &AppLoadBalancer{
		source:      source,
		strategy:    strategy,
		connections: make(map[uint32]*atomic.Int64),
	}
}

// GetInstance selects an instance with no client IP context.
func (b *AppLoadBalancer) GetInstance() (Instance, bool) {
	return b.GetInstanceForIP(nil)
}

// GetInstanceForIP selects an instance, using clientIP for IP-hash
// sticky sessions when the strategy is IPHash.
func (b *AppLoadBalancer) GetInstanceForIP(clientIP net.IP) (Instance, bool) {
	switch b.strategy {
	case LeastConnections:
		return b.leastConnections()
	case IPHash:
		return b.ipHash(clientIP)
	default:
		return b.roundRobin()
	}
}

func (b *AppLoadBalancer) roundRobin() (Instance, bool) {
	healthy := b.source.HealthyInstances()
	if len(healthy) == 0 {
		return Instance{}, false
	}
	idx := int(b.rrCounter.Add(1)-1) % len(healthy)
	return healthy[idx], true
}

func (b *AppLoadBalancer) leastConnections() (Instance, bool) {
	healthy := b.source.HealthyInstances()
	if len(healthy) == 0 {
		return Instance{}, false
	}

	best := healthy[0]
	bestCount := b.ActiveConnections(best.ID)
	for _, inst := range healthy[1:] {
		if count := b.ActiveConnections(inst.ID); count < bestCount {
			best, bestCount = inst, count
		}
	}
	return best, true
}

// ipHash hashes the client IP for sticky routing. A nil IP falls back to
// round-robin.
func (b *AppLoadBalancer) ipHash(clientIP net.IP) (Instance, bool) {
	healthy := b.source.HealthyInstances()
	if len(healthy) == 0 {
		return Instance{}, false
	}
	if clientIP == nil {
		return b.roundRobin()
	}

	hash := xxhash.Sum64(clientIP)
	idx := int(hash % uint64(len(healthy)))
	return healthy[idx], true
}

// ConnectionStarted records a new in-flight request against instanceID.
func (b *AppLoadBalancer) ConnectionStarted(instanceID uint32) {
	b.counter(instanceID).Add(1)
}

// ConnectionEnded records that a request against instanceID finished.
func (b *AppLoadBalancer) ConnectionEnded(instanceID uint32) {
	b.mu.Lock()
	counter, ok := b.connections[instanceID]
	b.mu.Unlock()
	if ok {
		counter.Add(-1)
	}
}

// ActiveConnections returns the current in-flight count for instanceID.
func (b *AppLoadBalancer) ActiveConnections(instanceID uint32) int64 {
	b.mu.Lock()
	counter, ok := b.connections[instanceID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return counter.Load()
}

func (b *AppLoadBalancer) counter(instanceID uint32) *atomic.Int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	counter, ok := b.connections[instanceID]
	if !ok {
		counter = &atomic.Int64{}
		b.connections[instanceID] = counter
	}
	return counter
}

// Backend is a selected instance address for one request.
type Backend struct {
	AppName    string
	InstanceID uint32
	Addr       string
}

// HostPort splits Addr back into host and port.
func (be Backend) HostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(be.Addr)
	if err != nil {
		return "127.0.0.1", 3000
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// LoadBalancer manages one AppLoadBalancer per registered app.
type LoadBalancer struct {
	mu              sync.RWMutex
	balancers       map[string]*AppLoadBalancer
	defaultStrategy Strategy
}

// New creates an empty LoadBalancer defaulting new apps to round-robin.
func New() *LoadBalancer {
	return &LoadBalancer{
		balancers:       make(map[string]*AppLoadBalancer),
		defaultStrategy: RoundRobin,
	}
}

// RegisterApp wires source into the balancer under name, using strategy
// (or the balancer's default if strategy is empty).
func (lb *LoadBalancer) RegisterApp(name string, source InstanceSource, strategy Strategy) {
	if strategy == "" {
		strategy = lb.defaultStrategy
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.balancers[name] = NewAppLoadBalancer(source, strategy)
}

// UnregisterApp removes an app's balancer.
func (lb *LoadBalancer) UnregisterApp(name string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.balancers, name)
}

func (lb *LoadBalancer) get(name string) (*AppLoadBalancer, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	app, ok := lb.balancers[name]
	return app, ok
}

// GetBackend selects a backend for appName with no client IP context.
func (lb *LoadBalancer) GetBackend(appName string) (Backend, bool) {
	return lb.GetBackendForIP(appName, nil)
}

// GetBackendForIP selects a backend for appName, recording the
// connection as started on success.
func (lb *LoadBalancer) GetBackendForIP(appName string, clientIP net.IP) (Backend, bool) {
	app, ok := lb.get(appName)
	if !ok {
		return Backend{}, false
	}
	instance, ok := app.GetInstanceForIP(clientIP)
	if !ok {
		return Backend{}, false
	}

	app.ConnectionStarted(instance.ID)

	return Backend{
		AppName:    appName,
		InstanceID: instance.ID,
		Addr:       fmt.Sprintf("127.0.0.1:%d", instance.Port),
	}, true
}

// RequestCompleted releases the in-flight connection slot recorded by
// GetBackend/GetBackendForIP.
func (lb *LoadBalancer) RequestCompleted(appName string, instanceID uint32) {
	if app, ok := lb.get(appName); ok {
		app.ConnectionEnded(instanceID)
	}
}

// HasHealthyInstance reports whether appName currently has any instance
// eligible to receive traffic.
func (lb *LoadBalancer) HasHealthyInstance(appName string) bool {
	app, ok := lb.get(appName)
	if !ok {
		return false
	}
	return len(app.source.HealthyInstances()) > 0
}
