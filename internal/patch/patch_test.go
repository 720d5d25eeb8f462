package patch

import (
	"errors"
	"testing"
)

type fakeBackend struct {
	images        []Image
	patchCalls    int
	restoreCalls  int
	failOn        string
	lastDryRun    bool
	restoredSlots [][]patchedSlot
}

func (f *fakeBackend) discover(selfSoName string) ([]Image, error) {
	return f.images, nil
}

func (f *fakeBackend) patchImage(img Image, hooks map[string]HookedSymbol, dryRun bool) ([]patchedSlot, error) {
	f.patchCalls++
	f.lastDryRun = dryRun
	if img.Name == f.failOn {
		return nil, errors.New("simulated unpatchable library")
	}
	return []patchedSlot{{addr: img.BaseAddr + 8, original: 0xdeadbeef}}, nil
}

func (f *fakeBackend) restoreImage(slots []patchedSlot) error {
	f.restoreCalls++
	f.restoredSlots = append(f.restoredSlots, slots)
	return nil
}

func TestPatcherStartPatchesDiscoveredImages(t *testing.T) {
	backend := &fakeBackend{images: []Image{{Name: "libc.so.6", BaseAddr: 0x1000}}}
	p := newWithBackend(Config{Hooks: []HookedSymbol{{Name: "malloc"}}}, backend)

	if p.State() != StateUnpatched {
		t.Fatalf("initial state = %v, want Unpatched", p.State())
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != StatePatched {
		t.Errorf("state after Start = %v, want Patched", p.State())
	}
	if backend.patchCalls != 1 {
		t.Errorf("patchCalls = %d, want 1", backend.patchCalls)
	}
	if names := p.PatchedImages(); len(names) != 1 || names[0] != "libc.so.6" {
		t.Errorf("PatchedImages = %v", names)
	}
}

func TestPatcherStartIsIdempotent(t *testing.T) {
	backend := &fakeBackend{images: []Image{{Name: "libc.so.6", BaseAddr: 0x1000}}}
	p := newWithBackend(Config{}, backend)

	if err := p.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if backend.patchCalls != 1 {
		t.Errorf("patchCalls = %d, want 1 (idempotent)", backend.patchCalls)
	}
}

func TestPatcherStopRestoresAndClearsSet(t *testing.T) {
	backend := &fakeBackend{images: []Image{{Name: "libc.so.6", BaseAddr: 0x1000}}}
	p := newWithBackend(Config{}, backend)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != StateUnpatched {
		t.Errorf("state after Stop = %v, want Unpatched", p.State())
	}
	if backend.restoreCalls != 1 {
		t.Errorf("restoreCalls = %d, want 1", backend.restoreCalls)
	}
	if names := p.PatchedImages(); len(names) != 0 {
		t.Errorf("PatchedImages after Stop = %v, want empty", names)
	}
}

func TestPatcherSkipsUnpatchableLibraryWithoutFailingStart(t *testing.T) {
	backend := &fakeBackend{
		images: []Image{
			{Name: "libc.so.6", BaseAddr: 0x1000},
			{Name: "libweird.so", BaseAddr: 0x2000},
		},
		failOn: "libweird.so",
	}
	p := newWithBackend(Config{}, backend)

	if err := p.Start(); err != nil {
		t.Fatalf("Start should not fail when one library is unpatchable: %v", err)
	}
	names := p.PatchedImages()
	if len(names) != 1 || names[0] != "libc.so.6" {
		t.Errorf("PatchedImages = %v, want only libc.so.6", names)
	}
}

func TestPatcherOnImageLoadedOnlyActsWhenPatched(t *testing.T) {
	backend := &fakeBackend{}
	p := newWithBackend(Config{}, backend)

	p.OnImageLoaded(Image{Name: "late.so", BaseAddr: 0x3000})
	if backend.patchCalls != 0 {
		t.Errorf("expected no patch while Unpatched, got %d calls", backend.patchCalls)
	}

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.OnImageLoaded(Image{Name: "late.so", BaseAddr: 0x3000})
	if backend.patchCalls != 1 {
		t.Errorf("patchCalls = %d, want 1 after late load", backend.patchCalls)
	}

	// Re-reporting the same image must stay idempotent.
	p.OnImageLoaded(Image{Name: "late.so", BaseAddr: 0x3000})
	if backend.patchCalls != 1 {
		t.Errorf("patchCalls = %d, want 1 (idempotent re-report)", backend.patchCalls)
	}
}

func TestPatcherDryRunNeverCallsRestore(t *testing.T) {
	backend := &fakeBackend{images: []Image{{Name: "libc.so.6", BaseAddr: 0x1000}}}
	p := newWithBackend(Config{DryRun: true}, backend)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !backend.lastDryRun {
		t.Error("expected backend.patchImage to observe dryRun=true")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if backend.restoreCalls != 0 {
		t.Errorf("restoreCalls = %d, want 0 in dry-run mode", backend.restoreCalls)
	}
}
