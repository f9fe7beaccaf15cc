// Command jitc compiles YAML IR files to x86-64 machine code and prints the
// result: code bytes, relocations and patch sites for every function.
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/x64jit/internal/asm"
	"github.com/tinyrange/x64jit/internal/asm/amd64"
	"github.com/tinyrange/x64jit/internal/ir"
	jit "github.com/tinyrange/x64jit/internal/ir/amd64"
	"github.com/tinyrange/x64jit/internal/ir/irtext"
	"github.com/tinyrange/x64jit/internal/timeslice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jitc: %v\n", err)
		os.Exit(1)
	}
}

type compiled struct {
	file string
	fn   *ir.Func
	res  *jit.Result
	// text is the function before lowering.
	text string
}

func run() error {
	configFile := flag.String("config", "", "YAML options file")
	conv := flag.String("conv", "", "Calling convention: sysv, win64 or host (overrides -config)")
	only := flag.String("func", "", "Only compile the named function")
	quiet := flag.Bool("q", false, "Do not print code bytes")
	showIR := flag.Bool("ir", false, "Print each function before and after lowering")
	dump := flag.Bool("dump", false, "Dump the frame layout of each function")
	elfOut := flag.String("elf", "", "Write the compiled function as an ELF image (needs exactly one function)")
	base := flag.Uint64("base", amd64.DefaultELFConfig().BaseAddress, "Load address used by -elf")
	syms := symbolFlag{}
	flag.Var(syms, "sym", "Address of an external symbol for -elf (name=addr), can be repeated")
	timesliceFile := flag.String("timeslice-file", "", "Write timeslice data to file")
	timings := flag.Bool("timings", false, "Print time spent per compiler phase")
	verbose := flag.Bool("v", false, "Enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <file.yaml>...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compile IR functions to x86-64 machine code.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -conv win64 testdata/basic.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -func sum -elf sum.elf testdata/basic.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return errors.New("no input files")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	opts := jit.DefaultOptions()
	if *configFile != "" {
		var err error
		if opts, err = jit.LoadOptionsFile(*configFile); err != nil {
			return err
		}
	}
	if *conv != "" {
		opts.Convention = *conv
	}
	opts.Logger = logger

	var recording bytes.Buffer
	var stopRecording func() error
	if *timesliceFile != "" || *timings {
		var w io.Writer = &recording
		if *timesliceFile != "" {
			f, err := os.Create(*timesliceFile)
			if err != nil {
				return fmt.Errorf("create timeslice file: %w", err)
			}
			defer f.Close()
			w = io.MultiWriter(f, &recording)
		}
		closer, err := timeslice.StartRecording(w)
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		closed := false
		stopRecording = func() error {
			if closed {
				return nil
			}
			closed = true
			return closer.Close()
		}
		defer stopRecording()
	}

	files := flag.Args()
	var bar *progressbar.ProgressBar
	if len(files) > 1 && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("compiling"),
			progressbar.OptionClearOnFinish(),
		)
	}

	var out []compiled
	var failed int
	for _, path := range files {
		f, err := irtext.ParseFile(path)
		if err != nil {
			return err
		}
		for _, fn := range f.Funcs {
			if *only != "" && fn.Name != *only {
				continue
			}
			c := compiled{file: path, fn: fn}
			if *showIR {
				c.text = fn.String()
			}
			res, err := jit.Compile(fn, opts)
			if err != nil {
				// A pattern miss or a relocation overflow means the backend
				// itself is broken; anything else only loses this function.
				if errors.Is(err, amd64.ErrNoPattern) || errors.Is(err, amd64.ErrRelocOverflow) {
					return err
				}
				logger.Error("compile failed", "file", path, "func", fn.Name, "err", err)
				failed++
				continue
			}
			c.res = res
			out = append(out, c)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	for _, c := range out {
		printResult(os.Stdout, c, *quiet, *showIR)
		if *dump {
			cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
			cfg.Fdump(os.Stdout, c.res.Frame)
		}
	}

	if *elfOut != "" {
		if len(out) != 1 {
			return fmt.Errorf("-elf needs exactly one compiled function, have %d (use -func)", len(out))
		}
		cfg := amd64.DefaultELFConfig()
		cfg.BaseAddress = *base
		image, err := amd64.ELFImage(out[0].res.Program, syms.resolver(), cfg)
		if err != nil {
			return fmt.Errorf("elf image: %w", err)
		}
		if err := os.WriteFile(*elfOut, image, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *elfOut, err)
		}
		logger.Info("wrote ELF image", "path", *elfOut, "bytes", len(image), "base", fmt.Sprintf("%#x", cfg.BaseAddress))
	}

	if stopRecording != nil {
		if err := stopRecording(); err != nil {
			return err
		}
		if *timings {
			summary, err := timeslice.Summarize(bytes.NewReader(recording.Bytes()))
			if err != nil {
				return fmt.Errorf("summarize timings: %w", err)
			}
			for _, s := range summary {
				fmt.Fprintf(os.Stderr, "%-20s %-14s count=%-6d total=%s\n", s.Name, s.Flags, s.Count, s.Total)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d function(s) failed to compile", failed)
	}
	return nil
}

func printResult(w io.Writer, c compiled, quiet, showIR bool) {
	prog := c.res.Program
	fmt.Fprintf(w, "%s: func %s: %d bytes, %d relocations, %d patch sites\n",
		c.file, c.fn.Name, prog.Len(), len(prog.Relocations()), len(prog.PatchSites()))
	if showIR {
		fmt.Fprintf(w, "%s", c.text)
		fmt.Fprintf(w, "lowered:\n%s", c.fn)
	}
	if !quiet {
		fmt.Fprint(w, hex.Dump(prog.Bytes()))
	}
	for _, r := range prog.Relocations() {
		fmt.Fprintf(w, "  reloc %s\n", r)
	}
	for i, s := range prog.PatchSites() {
		fmt.Fprintf(w, "  site %d: %s at %#x slot %#x\n", i, s.Kind, s.Offset, s.Slot)
	}
}

// symbolFlag collects name=addr pairs.
type symbolFlag map[string]uintptr

func (s symbolFlag) String() string {
	var parts []string
	for name, addr := range s {
		parts = append(parts, fmt.Sprintf("%s=%#x", name, addr))
	}
	return strings.Join(parts, ",")
}

func (s symbolFlag) Set(value string) error {
	name, addr, ok := strings.Cut(value, "=")
	if !ok || name == "" {
		return fmt.Errorf("want name=addr, got %q", value)
	}
	v, err := strconv.ParseUint(addr, 0, 64)
	if err != nil {
		return fmt.Errorf("bad address for %s: %w", name, err)
	}
	s[name] = uintptr(v)
	return nil
}

func (s symbolFlag) resolver() asm.SymbolResolver {
	return func(name string) (uintptr, bool) {
		addr, ok := s[name]
		return addr, ok
	}
}
