// Package engine is the bundled §4.2 Engine Backend Interface
// implementation, running library bodies in goja isolates. Isolate
// creation, console capture, entry-point invocation, and conversion of
// results into host replies follow the same shape as a one-shot goja script
// engine, generalized to persistent per-library isolates holding
// long-lived registered callables that the function runtime invokes
// repeatedly.
package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/r3e-network/gears-runtime/internal/library"
	"github.com/r3e-network/gears-runtime/pkg/errors"
	"github.com/r3e-network/gears-runtime/pkg/logger"
)

// Backend is the sole bundled engine, registered under prologue engine
// name "js".
type Backend struct {
	log *logger.Logger
}

// NewBackend constructs the goja-backed engine backend.
func NewBackend() *Backend {
	return &Backend{log: logger.NewDefault("engine-js")}
}

func (b *Backend) Name() string { return "js" }

// NewJobQueue returns a fresh per-library compile-pool queue (§4.3).
func (b *Backend) NewJobQueue() library.JobQueue {
	return newCompilePool(func(f func()) { go f() })
}

// CompileLibrary compiles source's body (everything after the prologue
// line) once; LoadLibrary then runs it in a fresh isolate per call so an
// upgrade compiles and registers against a clean VM.
func (b *Backend) CompileLibrary(source string, config *string, queue library.JobQueue) (library.CompiledHandle, error) {
	body := stripPrologue(source)
	program, err := goja.Compile("library.js", body, true)
	if err != nil {
		return nil, errors.Wrap(errors.CodeCompilation, "goja compile failed", err)
	}
	return &Handle{backend: b, program: program, queue: queue}, nil
}

// Debug returns a one-line description; real engines might expose VM
// internals (heap stats, isolate count) here.
func (b *Backend) Debug(args []string) (string, error) {
	return fmt.Sprintf("engine=js backend args=%v", args), nil
}

func stripPrologue(source string) string {
	idx := strings.IndexByte(source, '\n')
	if idx < 0 {
		return ""
	}
	return source[idx+1:]
}

// Handle is the CompiledHandle returned from CompileLibrary.
type Handle struct {
	backend *Backend
	program *goja.Program
	queue   library.JobQueue

	mu      sync.Mutex
	isolate *Isolate
}

// LoadLibrary runs the compiled body in a fresh isolate with r as the
// active registrar (§4.1 step 5).
func (h *Handle) LoadLibrary(r library.Registrar) error {
	iso := newIsolate(h.queue, h.backend.log)
	if err := iso.runRegistration(h.program, r); err != nil {
		return err
	}
	h.mu.Lock()
	h.isolate = iso
	h.mu.Unlock()
	return nil
}

// Isolate returns the live isolate backing this compiled library, used by
// the function runtime to invoke registered callables (§4.6, §4.7).
func (h *Handle) Isolate() *Isolate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isolate
}
