package embedded

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/germanamz/vitalscan/pkg/capture"
)

// DefaultModuleURL is the script URL of the vendor capture engine.
const DefaultModuleURL = "https://sdk.vitalscan.io/capture/v2/capture.min.js"

// Callbacks is the vendor engine's mutable callback object. The engine
// invokes whichever handlers are set at the time an event fires.
type Callbacks struct {
	mu      sync.RWMutex
	results func(payload any)
	err     func(payload any)
	event   func(payload any)
}

// OnResults installs the results handler.
func (c *Callbacks) OnResults(fn func(payload any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = fn
}

// OnError installs the error handler.
func (c *Callbacks) OnError(fn func(payload any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = fn
}

// OnEvent installs the event handler.
func (c *Callbacks) OnEvent(fn func(payload any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.event = fn
}

// FireResults is called by the engine when a measurement produced results.
func (c *Callbacks) FireResults(payload any) { c.fire(&c.results, payload) }

// FireError is called by the engine when it reports a failure.
func (c *Callbacks) FireError(payload any) { c.fire(&c.err, payload) }

// FireEvent is called by the engine on lifecycle and progress changes.
func (c *Callbacks) FireEvent(payload any) { c.fire(&c.event, payload) }

func (c *Callbacks) fire(slot *func(any), payload any) {
	c.mu.RLock()
	fn := *slot
	c.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

// InitOptions are passed to App.Init.
type InitOptions struct {
	Container    string
	Token        string
	RefreshToken string
	StudyID      string
	Profile      capture.Profile
	capture.Options
}

// App is a vendor engine instance. Apps may additionally implement
// capture.Starter, capture.Canceler and capture.Stopper.
type App interface {
	Callbacks() *Callbacks
	Init(ctx context.Context, opts InitOptions) error
	Destroy(ctx context.Context) error
}

// Module is a loaded vendor engine module.
type Module interface {
	NewApp() (App, error)
}

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]Module)
)

// Register makes a module available under its script URL. It panics if
// Register is called twice with the same URL or if m is nil.
func Register(url string, m Module) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	if m == nil {
		panic("embedded: Register module is nil")
	}
	if _, dup := modules[url]; dup {
		panic("embedded: Register called twice for module " + url)
	}
	modules[url] = m
}

// Modules returns a sorted list of registered module URLs.
func Modules() []string {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	list := make([]string, 0, len(modules))
	for url := range modules {
		list = append(list, url)
	}
	slices.Sort(list)
	return list
}

// lookup resolves url against the registry. It is the default fetch
// function of SharedLoader.
func lookup(_ context.Context, url string) (Module, error) {
	modulesMu.RLock()
	m, ok := modules[url]
	modulesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("embedded: unknown module %q (forgotten import?)", url)
	}
	return m, nil
}
