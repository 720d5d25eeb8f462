// Package patch discovers loaded shared images and rewrites their
// allocation-symbol indirection slots to the tracer's hook shims (spec
// component C3), restoring the originals on stop.
package patch

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/tracemem/internal/logging"
	"github.com/ehrlich-b/tracemem/internal/model"
)

// State is the patcher's lifecycle: Unpatched -> Patched -> Unpatched,
// driven by tracker start/stop.
type State int

const (
	StateUnpatched State = iota
	StatePatched
)

func (s State) String() string {
	if s == StatePatched {
		return "patched"
	}
	return "unpatched"
}

// Image is a loaded shared object or Mach-O image as reported by the
// platform loader's iteration API.
type Image struct {
	Name       string
	BaseAddr   uintptr
	Generation uint64
}

// HookedSymbol names an allocation symbol the patcher rewrites, and the
// shim address it should be pointed at.
type HookedSymbol struct {
	Name      string
	ShimAddr  uintptr
	Allocator model.AllocatorKind
}

// patchedSlot remembers the address and previous value of one rewritten
// slot so restoreImage can invert the edit.
type patchedSlot struct {
	addr     uintptr
	original uint64
}

// imageBackend implements the OS-specific discovery and relocation walk.
// elfBackend and machoBackend satisfy it; the patcher is otherwise
// platform-agnostic.
type imageBackend interface {
	// discover returns every currently loaded image eligible for patching,
	// skipping the tracer's own module, the dynamic linker, and the vDSO.
	discover(selfSoName string) ([]Image, error)
	// patchImage rewrites every relocation in img matching one of hooks and
	// returns the slots it touched. dryRun walks the same logic but never
	// writes memory.
	patchImage(img Image, hooks map[string]HookedSymbol, dryRun bool) ([]patchedSlot, error)
	// restoreImage inverts the slots previously returned by patchImage.
	restoreImage(slots []patchedSlot) error
}

// Patcher owns the patched-image set and the hooked symbol table. It is
// safe for concurrent use; the loader's add-image callback and
// tracker start/stop both call into it.
type Patcher struct {
	mu      sync.Mutex
	state   State
	hooks   map[string]HookedSymbol
	patched map[string][]patchedSlot // image name -> slots touched
	dryRun  bool
	backend imageBackend
	self    string
	log     *logging.Logger
}

// Config configures a new Patcher.
type Config struct {
	// Hooks is the fixed set of allocation symbols to intercept.
	Hooks []HookedSymbol
	// SelfSoName is the tracer's own shared object or binary name; images
	// matching it are never patched (spec 4.3).
	SelfSoName string
	// DryRun walks the same discovery and relocation-matching logic as a
	// real patch pass but never calls mprotect; see DESIGN.md for why this
	// exists as a supplemental diagnostic mode.
	DryRun bool
	Logger *logging.Logger
}

// New builds a Patcher for the current platform. Tests use newWithBackend
// to substitute a fake backend.
func New(cfg Config) *Patcher {
	return newWithBackend(cfg, newPlatformBackend())
}

// newWithBackend builds a Patcher against an explicit imageBackend,
// letting tests substitute a fake backend instead of touching real
// process memory.
func newWithBackend(cfg Config, backend imageBackend) *Patcher {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	hooks := make(map[string]HookedSymbol, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		hooks[h.Name] = h
	}
	return &Patcher{
		hooks:   hooks,
		patched: make(map[string][]patchedSlot),
		dryRun:  cfg.DryRun,
		backend: backend,
		self:    cfg.SelfSoName,
		log:     log,
	}
}

// Start transitions Unpatched -> Patched, patching every currently loaded
// image. It registers nothing with the loader: an image loaded later is
// patched only when the caller reports it through OnImageLoaded.
func (p *Patcher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePatched {
		return nil
	}

	images, err := p.backend.discover(p.self)
	if err != nil {
		return fmt.Errorf("patch: discover images: %w", err)
	}
	for _, img := range images {
		p.patchLocked(img)
	}
	p.state = StatePatched
	return nil
}

// Stop transitions Patched -> Unpatched, restoring every patched slot and
// clearing the idempotence set.
func (p *Patcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateUnpatched {
		return nil
	}
	var firstErr error
	for name, slots := range p.patched {
		if p.dryRun {
			continue
		}
		if err := p.backend.restoreImage(slots); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("patch: restore %s: %w", name, err)
		}
	}
	p.patched = make(map[string][]patchedSlot)
	p.state = StateUnpatched
	return firstErr
}

// OnImageLoaded is the loader's add-image callback (spec 4.3: "New images
// loaded while in Patched are patched by the loader's add-image callback").
func (p *Patcher) OnImageLoaded(img Image) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePatched {
		return
	}
	p.patchLocked(img)
}

// patchLocked must be called with mu held.
func (p *Patcher) patchLocked(img Image) {
	if _, already := p.patched[img.Name]; already {
		return
	}
	slots, err := p.backend.patchImage(img, p.hooks, p.dryRun)
	if err != nil {
		p.log.Warn("unpatchable image skipped", "image", img.Name, "error", err)
		return
	}
	// Record the image even with zero slots so re-reports stay idempotent.
	p.patched[img.Name] = slots
	if p.dryRun {
		p.log.Info("dry-run: would patch image", "image", img.Name, "slots", len(slots))
	} else {
		p.log.Debug("patched image", "image", img.Name, "slots", len(slots))
	}
}

// State reports the current lifecycle state.
func (p *Patcher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PatchedImages returns the names of images currently believed patched,
// primarily for tests and DryRun diagnostics.
func (p *Patcher) PatchedImages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.patched))
	for name := range p.patched {
		names = append(names, name)
	}
	return names
}

// HookedSymbolCount reports how many allocation symbols this patcher is
// configured to intercept, primarily for tests confirming a caller's
// Config.Hooks actually reached the patcher.
func (p *Patcher) HookedSymbolCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hooks)
}
