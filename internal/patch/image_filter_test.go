package patch

import "testing"

func TestSkipImage(t *testing.T) {
	cases := []struct {
		path string
		self string
		want bool
	}{
		{"/usr/lib/x86_64-linux-gnu/libc.so.6", "tracer.so", false},
		{"/usr/lib/tracer.so", "tracer.so", true},
		{"/lib64/ld-linux-x86-64.so.2", "tracer.so", true},
		{"linux-vdso.so.1", "tracer.so", true},
		{"/usr/lib/libm.so.6", "tracer.so", false},
	}
	for _, c := range cases {
		if got := skipImage(c.path, c.self); got != c.want {
			t.Errorf("skipImage(%q, %q) = %v, want %v", c.path, c.self, got, c.want)
		}
	}
}
