package patch

import "strings"

// skipImage reports whether path names an image the patcher must never
// touch: the tracer's own module, the dynamic linker, or the vDSO (spec
// 4.3's skip list, shared by both the ELF and Mach-O backends).
func skipImage(path, selfSoName string) bool {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	switch {
	case selfSoName != "" && base == selfSoName:
		return true
	case strings.HasPrefix(base, "ld-linux"), base == "ld.so":
		return true
	case strings.Contains(path, "linux-vdso"):
		return true
	case strings.Contains(path, "dyld"):
		return true
	default:
		return false
	}
}
