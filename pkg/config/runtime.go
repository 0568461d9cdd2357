package config

import "sync"

// Runtime holds the hot-swappable configuration cells the dispatcher reads
// on every request. Each cell has its own lock: a reader sees one cell's
// fields change together, but two different cells may be observed across an
// Apply. Requests in flight keep the snapshots they already took.
type Runtime struct {
	mappingMu sync.RWMutex
	mapping   map[string]string

	upstreamMu sync.RWMutex
	upstream   UpstreamProxyConfig

	securityMu sync.RWMutex
	security   SecurityConfig

	relayMu sync.RWMutex
	relay   RelayConfig

	experimentalMu sync.RWMutex
	experimental   ExperimentalConfig
}

// NewRuntime builds the runtime cells from an initial proxy configuration.
func NewRuntime(p *ProxyConfig) *Runtime {
	rt := &Runtime{}
	rt.Apply(p)
	return rt
}

// Apply swaps every cell to the values in p. Each cell updates atomically
// on its own; Apply as a whole is not one transaction.
func (rt *Runtime) Apply(p *ProxyConfig) {
	rt.SetModelMapping(p.ModelMapping)
	rt.SetUpstreamProxy(p.UpstreamProxy)
	rt.SetSecurity(p.Security)
	rt.SetRelay(p.Relay)
	rt.SetExperimental(p.Experimental)
}

// MapModel resolves a requested model through the mapping table. Unmapped
// models pass through unchanged.
func (rt *Runtime) MapModel(model string) string {
	rt.mappingMu.RLock()
	defer rt.mappingMu.RUnlock()

	if mapped, ok := rt.mapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// SetModelMapping replaces the mapping table. The map is copied so callers
// cannot mutate the live cell afterwards.
func (rt *Runtime) SetModelMapping(mapping map[string]string) {
	cloned := make(map[string]string, len(mapping))
	for k, v := range mapping {
		cloned[k] = v
	}

	rt.mappingMu.Lock()
	defer rt.mappingMu.Unlock()

	rt.mapping = cloned
}

// ModelMapping returns a copy of the mapping table.
func (rt *Runtime) ModelMapping() map[string]string {
	rt.mappingMu.RLock()
	defer rt.mappingMu.RUnlock()

	out := make(map[string]string, len(rt.mapping))
	for k, v := range rt.mapping {
		out[k] = v
	}
	return out
}

// UpstreamProxy returns a snapshot of the outbound proxy cell.
func (rt *Runtime) UpstreamProxy() UpstreamProxyConfig {
	rt.upstreamMu.RLock()
	defer rt.upstreamMu.RUnlock()

	return rt.upstream
}

// SetUpstreamProxy swaps the outbound proxy cell.
func (rt *Runtime) SetUpstreamProxy(up UpstreamProxyConfig) {
	rt.upstreamMu.Lock()
	defer rt.upstreamMu.Unlock()

	rt.upstream = up
}

// Security returns a snapshot of the security cell. The key slice is copied.
func (rt *Runtime) Security() SecurityConfig {
	rt.securityMu.RLock()
	defer rt.securityMu.RUnlock()

	snap := rt.security
	snap.APIKeys = append([]string(nil), rt.security.APIKeys...)
	return snap
}

// SetSecurity swaps the security cell.
func (rt *Runtime) SetSecurity(sec SecurityConfig) {
	sec.APIKeys = append([]string(nil), sec.APIKeys...)

	rt.securityMu.Lock()
	defer rt.securityMu.Unlock()

	rt.security = sec
}

// Relay returns a snapshot of the relay cell. The model slice is copied.
func (rt *Runtime) Relay() RelayConfig {
	rt.relayMu.RLock()
	defer rt.relayMu.RUnlock()

	snap := rt.relay
	snap.Models = append([]string(nil), rt.relay.Models...)
	return snap
}

// SetRelay swaps the relay cell.
func (rt *Runtime) SetRelay(relay RelayConfig) {
	relay.Models = append([]string(nil), relay.Models...)

	rt.relayMu.Lock()
	defer rt.relayMu.Unlock()

	rt.relay = relay
}

// Experimental returns a snapshot of the feature-flag cell.
func (rt *Runtime) Experimental() ExperimentalConfig {
	rt.experimentalMu.RLock()
	defer rt.experimentalMu.RUnlock()

	return rt.experimental
}

// SetExperimental swaps the feature-flag cell.
func (rt *Runtime) SetExperimental(exp ExperimentalConfig) {
	rt.experimentalMu.Lock()
	defer rt.experimentalMu.Unlock()

	rt.experimental = exp
}
