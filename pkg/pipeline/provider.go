package pipeline

import (
	"context"
	"os/exec"
	"sort"
	"sync"
)

// TranscribeRequest is the input to an ASR provider.
type TranscribeRequest struct {
	AudioPath string
	Language  string
	OutDir    string
}

// TranscribeResult is what an ASR provider produced.
type TranscribeResult struct {
	SRTPath  string
	JSONPath string
	// Degraded lists warnings when the provider ran in a reduced form.
	Degraded []string
}

// Provider is an ASR backend selected at runtime by availability.
type Provider interface {
	Name() string
	Available() bool
	Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error)
}

// providerRegistry holds named providers in preference order.
type providerRegistry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]Provider
}

var registry = &providerRegistry{byID: make(map[string]Provider)}

// RegisterProvider adds a provider; registration order is preference order.
func RegisterProvider(p Provider) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, dup := registry.byID[p.Name()]; !dup {
		registry.order = append(registry.order, p.Name())
	}
	registry.byID[p.Name()] = p
}

// LookupProvider returns the named provider.
func LookupProvider(name string) (Provider, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	p, ok := registry.byID[name]
	return p, ok
}

// FirstAvailableProvider returns the first registered provider whose
// backend is installed.
func FirstAvailableProvider() (Provider, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, name := range registry.order {
		if p := registry.byID[name]; p.Available() {
			return p, true
		}
	}
	return nil, false
}

// ProviderNames lists registered providers, sorted, for diagnostics.
func ProviderNames() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, len(registry.order))
	copy(names, registry.order)
	sort.Strings(names)
	return names
}

func init() {
	RegisterProvider(&whisperProvider{})
	RegisterProvider(&voskProvider{})
}

// binaryInstalled memoizes exec.LookPath per binary.
var (
	lookMu    sync.Mutex
	lookCache = map[string]bool{}
)

func binaryInstalled(name string) bool {
	lookMu.Lock()
	defer lookMu.Unlock()
	if ok, seen := lookCache[name]; seen {
		return ok
	}
	_, err := exec.LookPath(name)
	lookCache[name] = err == nil
	return err == nil
}
