package irtext_test

import (
	"testing"

	"github.com/tinyrange/x64jit/internal/ir/amd64"
	"github.com/tinyrange/x64jit/internal/ir/irtext"
)

func TestFixturesCompile(t *testing.T) {
	for _, conv := range []string{"sysv", "win64"} {
		t.Run(conv, func(t *testing.T) {
			// Compile rewrites functions in place, so each convention parses
			// its own copy.
			f, err := irtext.ParseFile("testdata/basic.yaml")
			if err != nil {
				t.Fatalf("ParseFile: %v", err)
			}
			opts := amd64.DefaultOptions()
			opts.Convention = conv
			for _, fn := range f.Funcs {
				res, err := amd64.Compile(fn, opts)
				if err != nil {
					t.Fatalf("compile %s: %v", fn.Name, err)
				}
				if res.Program.Len() == 0 {
					t.Fatalf("%s: empty program", fn.Name)
				}
			}
		})
	}
}
