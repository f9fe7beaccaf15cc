package testutil

import (
	"fmt"
	"testing"
)

// Expectation matches one decoded instruction. Empty fields match anything.
type Expectation struct {
	Name     string
	Mnemonic string
	// Text must equal the normalized instruction.
	Text     string
	Contains []string
}

func (e Expectation) check(l DisasmLine) error {
	switch {
	case e.Mnemonic != "" && l.Mnemonic != e.Mnemonic:
		return fmt.Errorf("mnemonic=%s, want %s", l.Mnemonic, e.Mnemonic)
	case e.Text != "" && l.Normalized != e.Text:
		return fmt.Errorf("text=%q, want %q", l.Normalized, e.Text)
	}
	for _, s := range e.Contains {
		if !l.Contains(s) {
			return fmt.Errorf("%q does not contain %q", l.Normalized, s)
		}
	}
	return nil
}

// VerifyExpectations matches expect against the leading instructions of
// lines. Anything after the last expectation is ignored.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("disassembly has %d instructions, want at least %d", len(lines), len(expect))
	}
	for i, e := range expect {
		if err := e.check(lines[i]); err != nil {
			t.Fatalf("%s (instruction %d at %#x): %v", e.Name, i, lines[i].Offset, err)
		}
	}
}
