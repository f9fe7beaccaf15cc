package amd64

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/x64jit/internal/asm/amd64"
)

// DefaultBlockCopyThreshold is the largest aggregate copied inline. Larger
// copies call memcpy.
const DefaultBlockCopyThreshold = 64

// Options control code generation for one function.
type Options struct {
	// Convention is "sysv", "win64" or "host".
	Convention string `yaml:"convention"`
	// FramePointer keeps rbp as a frame pointer in every function.
	FramePointer bool `yaml:"frame_pointer"`
	// NoRedZone forbids leaf functions from using the area below rsp.
	NoRedZone          bool `yaml:"no_red_zone"`
	BlockCopyThreshold int  `yaml:"block_copy_threshold"`

	Logger *slog.Logger `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		Convention:         "host",
		BlockCopyThreshold: DefaultBlockCopyThreshold,
	}
}

// LoadOptions decodes YAML options on top of the defaults. Unknown keys are
// rejected.
func LoadOptions(r io.Reader) (Options, error) {
	opts := DefaultOptions()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && err != io.EOF {
		return Options{}, fmt.Errorf("decode options: %w", err)
	}
	if _, err := opts.conv(); err != nil {
		return Options{}, err
	}
	if opts.BlockCopyThreshold < 0 {
		return Options{}, fmt.Errorf("block_copy_threshold must not be negative")
	}
	return opts, nil
}

// LoadOptionsFile reads options from a YAML file.
func LoadOptionsFile(path string) (Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return Options{}, err
	}
	defer f.Close()
	opts, err := LoadOptions(f)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

func (o Options) conv() (*amd64.Convention, error) {
	return amd64.ConventionByName(o.Convention)
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) copyThreshold() int {
	if o.BlockCopyThreshold == 0 {
		return DefaultBlockCopyThreshold
	}
	return o.BlockCopyThreshold
}
