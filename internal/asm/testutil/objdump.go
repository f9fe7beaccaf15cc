// Package testutil disassembles generated x86-64 code for tests, either in
// process with x86asm or through GNU objdump when it is installed.
package testutil

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// DisasmLine is one decoded instruction.
type DisasmLine struct {
	Offset     int
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized text contains substr.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// normalize lowercases Intel syntax and drops the padding between operands
// so x86asm and objdump output compare equal.
func normalize(text string) string {
	if i := strings.IndexByte(text, '#'); i >= 0 {
		text = text[:i]
	}
	text = strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.ReplaceAll(text, ", ", ",")
}

func newLine(off int, text string) DisasmLine {
	n := normalize(text)
	mnemonic, _, _ := strings.Cut(n, " ")
	return DisasmLine{Offset: off, Text: strings.TrimSpace(text), Normalized: n, Mnemonic: mnemonic}
}

// Decode disassembles code in 64-bit mode with x86asm. It stops at the first
// int3, which separates a function body from its constant pool.
func Decode(t *testing.T, code []byte) []DisasmLine {
	t.Helper()
	var lines []DisasmLine
	for off := 0; off < len(code) && code[off] != 0xCC; {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("decode at %#x: %v (% x)", off, err, code[off:min(off+16, len(code))])
		}
		lines = append(lines, newLine(off, x86asm.IntelSyntax(inst, uint64(off), nil)))
		off += inst.Len
	}
	return lines
}

// DisassembleWithObjdump runs GNU objdump over code as a raw x86-64 blob in
// Intel syntax. The test is skipped when objdump is not installed.
func DisassembleWithObjdump(t *testing.T, code []byte) []DisasmLine {
	t.Helper()

	tool, err := exec.LookPath("objdump")
	if err != nil {
		t.Skipf("objdump not found: %v", err)
	}

	path := filepath.Join(t.TempDir(), "code.bin")
	if err := os.WriteFile(path, code, 0o644); err != nil {
		t.Fatalf("write code: %v", err)
	}
	out, err := exec.Command(tool, "-D", "-b", "binary", "-m", "i386:x86-64", "-M", "intel", "--no-show-raw-insn", path).CombinedOutput()
	if err != nil {
		t.Fatalf("objdump: %v\n\n%s", err, out)
	}

	lines := parseObjdump(string(out))
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", out)
	}
	return lines
}

// parseObjdump picks the "  off:\tinsn" lines out of objdump -d output.
func parseObjdump(out string) []DisasmLine {
	var lines []DisasmLine
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		addr, text, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		off, err := strconv.ParseUint(strings.TrimSpace(addr), 16, 32)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" || text[0] == '<' || text[0] == '.' || strings.HasPrefix(text, "(bad)") {
			continue
		}
		lines = append(lines, newLine(int(off), text))
	}
	return lines
}
