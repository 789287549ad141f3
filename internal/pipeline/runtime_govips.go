//go:build govips && cgo

package pipeline

import (
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

// libvips is process-global. Startup and Shutdown are reference counted so the worker and
// tests can pair them freely; the library is torn down when the last user leaves.
var vipsRuntime struct {
	sync.Mutex
	users int
}

func Startup() error {
	vipsRuntime.Lock()
	defer vipsRuntime.Unlock()

	if vipsRuntime.users == 0 {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		// Views decode each source once and never re-run vips operations, so the operation
		// cache stays small and decode threads follow the CPU count.
		vips.Startup(&vips.Config{
			ConcurrencyLevel: runtime.NumCPU(),
			MaxCacheFiles:    0,
			MaxCacheMem:      64 * 1024 * 1024,
			MaxCacheSize:     16,
		})
	}
	vipsRuntime.users++
	return nil
}

func Shutdown() {
	vipsRuntime.Lock()
	defer vipsRuntime.Unlock()

	if vipsRuntime.users == 0 {
		return
	}
	vipsRuntime.users--
	if vipsRuntime.users == 0 {
		vips.Shutdown()
	}
}

// Backend names the codec compiled into this binary.
func Backend() string {
	return "govips"
}

func newCodec() (Codec, error) {
	return govipsCodec{}, nil
}
