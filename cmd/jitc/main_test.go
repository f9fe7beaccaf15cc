package main

import "testing"

func TestSymbolFlag(t *testing.T) {
	s := symbolFlag{}
	for _, v := range []string{"puts=0x401200", "memcpy=4198400"} {
		if err := s.Set(v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}
	resolve := s.resolver()
	if addr, ok := resolve("puts"); !ok || addr != 0x401200 {
		t.Fatalf("puts=%#x,%v, want 0x401200,true", addr, ok)
	}
	if addr, ok := resolve("memcpy"); !ok || addr != 4198400 {
		t.Fatalf("memcpy=%d,%v, want 4198400,true", addr, ok)
	}
	if _, ok := resolve("missing"); ok {
		t.Fatalf("resolved an unknown symbol")
	}

	for _, bad := range []string{"puts", "=0x10", "puts=zz"} {
		if err := s.Set(bad); err == nil {
			t.Fatalf("Set(%q) succeeded", bad)
		}
	}
}
