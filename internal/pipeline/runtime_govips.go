//go:build govips && cgo

package pipeline

import (
	"errors"
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

// libvips cannot be restarted after vips.Shutdown, so the state only moves
// forward: idle, running, stopped.
const (
	vipsIdle = iota
	vipsRunning
	vipsStopped
)

var (
	vipsMu    sync.Mutex
	vipsState = vipsIdle
)

// A run decodes one source and renders a few variants from it, so cached
// operations rarely repeat and the cache stays small.
func vipsConfig() *vips.Config {
	return &vips.Config{
		ConcurrencyLevel: runtime.NumCPU(),
		MaxCacheFiles:    0,
		MaxCacheMem:      64 << 20,
		MaxCacheSize:     32,
	}
}

// Startup initialises libvips. It is safe to call more than once and is
// invoked implicitly when the first processor is built.
func Startup() error {
	vipsMu.Lock()
	defer vipsMu.Unlock()

	switch vipsState {
	case vipsRunning:
		return nil
	case vipsStopped:
		return errors.New("govips backend already shut down")
	}

	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(vipsConfig())
	vipsState = vipsRunning
	return nil
}

func Shutdown() {
	vipsMu.Lock()
	defer vipsMu.Unlock()

	if vipsState != vipsRunning {
		return
	}
	vips.Shutdown()
	vipsState = vipsStopped
}

func Backend() string {
	return "govips"
}

func newTransformer() (Transformer, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsTransformer{}, nil
}
