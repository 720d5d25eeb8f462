//go:build darwin

package patch

import (
	"debug/macho"
	"fmt"
	"strings"
)

func newPlatformBackend() imageBackend {
	return &machoBackend{}
}

// machoBackend patches lazy/non-lazy symbol pointer sections in __DATA,
// __DATA_CONST and __AUTH_CONST segments (spec 4.3's Mach-O strategy).
// Image discovery on Darwin normally comes from dyld's
// _dyld_register_func_for_add_image callback; this backend assumes the
// caller supplies already-known image paths via OnImageLoaded; discover
// returns none on its own since there is no cgo-free dyld introspection.
type machoBackend struct{}

func (b *machoBackend) discover(selfSoName string) ([]Image, error) {
	return nil, nil
}

const (
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000

	// Mach-O section type codes (low byte of the section flags word).
	sectionTypeNonLazySymbolPointers = 0x6
	sectionTypeLazySymbolPointers    = 0x7
)

func (b *machoBackend) patchImage(img Image, hooks map[string]HookedSymbol, dryRun bool) ([]patchedSlot, error) {
	if skipImage(img.Name, "") {
		return nil, nil
	}
	f, err := macho.Open(img.Name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", img.Name, err)
	}
	defer f.Close()

	symtab := f.Symtab
	dysymtab := f.Dysymtab
	if symtab == nil || dysymtab == nil {
		return nil, nil
	}

	var slots []patchedSlot
	for _, load := range f.Loads {
		seg, ok := load.(*macho.Segment)
		if !ok {
			continue
		}
		if !isPatchableSegment(seg.Name) {
			continue
		}
		for i := uint32(0); i < seg.Nsect; i++ {
			sec, err := sectionAt(f, seg, i)
			if err != nil {
				continue
			}
			sectionType := sec.Flags & 0xff
			if sectionType != sectionTypeLazySymbolPointers &&
				sectionType != sectionTypeNonLazySymbolPointers {
				continue
			}
			count := sec.Size / 8
			for j := uint32(0); j < uint32(count); j++ {
				indirectIdx := sec.Reserved1 + j
				if int(indirectIdx) >= len(dysymtab.IndirectSyms) {
					continue
				}
				symIdx := dysymtab.IndirectSyms[indirectIdx]
				if symIdx&(indirectSymbolAbs|indirectSymbolLocal) != 0 {
					continue
				}
				if int(symIdx) >= len(symtab.Syms) {
					continue
				}
				name := strings.TrimPrefix(symtab.Syms[symIdx].Name, "_")
				hook, ok := hooks[name]
				if !ok {
					continue
				}
				slotAddr := uintptr(img.BaseAddr) + uintptr(sec.Addr+uint64(j)*8)
				original := readSlot(slotAddr)
				if dryRun {
					slots = append(slots, patchedSlot{addr: slotAddr, original: original})
					continue
				}
				if err := withWritableSlot(slotAddr, unixProtRX(), func() {
					writeSlot(slotAddr, uint64(hook.ShimAddr))
				}); err != nil {
					return slots, fmt.Errorf("patch slot for %s: %w", name, err)
				}
				slots = append(slots, patchedSlot{addr: slotAddr, original: original})
			}
		}
	}
	return slots, nil
}

func (b *machoBackend) restoreImage(slots []patchedSlot) error {
	for _, s := range slots {
		if err := withWritableSlot(s.addr, unixProtRX(), func() {
			writeSlot(s.addr, s.original)
		}); err != nil {
			return err
		}
	}
	return nil
}

func isPatchableSegment(name string) bool {
	switch name {
	case "__DATA", "__DATA_CONST", "__AUTH_CONST":
		return true
	default:
		return false
	}
}

func sectionAt(f *macho.File, seg *macho.Segment, idx uint32) (*macho.Section, error) {
	n := 0
	for _, sec := range f.Sections {
		if sec.Seg != seg.Name {
			continue
		}
		if uint32(n) == idx {
			return sec, nil
		}
		n++
	}
	return nil, fmt.Errorf("section %d not found in segment %s", idx, seg.Name)
}
