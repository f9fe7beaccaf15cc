package amd64

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/x64jit/internal/asm"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
)

var defaultELFConfig = ELFConfig{
	BaseAddress:      0x401000,
	SegmentOffset:    0x1000,
	SegmentAlignment: 0x1000,
	SegmentFlags:     elf.PF_R | elf.PF_X,
}

// ELFConfig controls how ELFImage lays out a bound program.
type ELFConfig struct {
	// BaseAddress is the virtual address of the first byte of the program.
	// Absolute relocations are bound against it.
	BaseAddress uint64
	// SegmentOffset is the file offset of the loadable segment. It must be
	// aligned to SegmentAlignment and leave room for the headers.
	SegmentOffset    uint64
	SegmentAlignment uint64
	// SegmentFlags defaults to read and execute. Programs with patch sites
	// get PF_W added so the image can be retargeted after loading.
	SegmentFlags elf.ProgFlag
}

func DefaultELFConfig() ELFConfig {
	return defaultELFConfig
}

// ELFImage binds prog at cfg.BaseAddress and wraps it in a single PT_LOAD
// segment whose entry point is the first instruction. The image is meant for
// inspection with standard tools; it is not a runnable executable.
func ELFImage(prog asm.Program, resolve asm.SymbolResolver, cfg ELFConfig) ([]byte, error) {
	cfg = cfg.withDefaults()
	if len(prog.PatchSites()) > 0 {
		cfg.SegmentFlags |= elf.PF_W
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	code := make([]byte, prog.Len())
	if err := Bind(code, prog, uintptr(cfg.BaseAddress), resolve); err != nil {
		return nil, err
	}

	prefix := make([]byte, int(cfg.SegmentOffset))
	fillELFHeader(prefix[:elfHeaderSize], cfg)
	fillProgramHeader(prefix[elfHeaderSize:elfHeaderSize+elfProgramHeaderSize], cfg, uint64(len(code)))
	return append(prefix, code...), nil
}

func (cfg ELFConfig) withDefaults() ELFConfig {
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = defaultELFConfig.BaseAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = defaultELFConfig.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = defaultELFConfig.SegmentAlignment
	}
	if cfg.SegmentFlags == 0 {
		cfg.SegmentFlags = defaultELFConfig.SegmentFlags
	}
	return cfg
}

func (cfg ELFConfig) validate() error {
	headerSize := uint64(elfHeaderSize + elfProgramHeaderSize)
	if cfg.SegmentOffset < headerSize {
		return fmt.Errorf("segment offset %#x too small for ELF headers (%#x)", cfg.SegmentOffset, headerSize)
	}
	if cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("segment offset %#x must be aligned to %#x", cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.BaseAddress%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("base address %#x must be aligned to %#x", cfg.BaseAddress, cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset > 1<<30 {
		return fmt.Errorf("segment offset %#x is unreasonably large", cfg.SegmentOffset)
	}
	return nil
}

func fillELFHeader(buf []byte, cfg ELFConfig) {
	clear(buf)
	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], uint64(elfHeaderSize))
	binary.LittleEndian.PutUint16(buf[52:], uint16(elfHeaderSize))
	binary.LittleEndian.PutUint16(buf[54:], uint16(elfProgramHeaderSize))
	binary.LittleEndian.PutUint16(buf[56:], 1)
}

func fillProgramHeader(buf []byte, cfg ELFConfig, size uint64) {
	clear(buf)
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(cfg.SegmentFlags))
	binary.LittleEndian.PutUint64(buf[8:], cfg.SegmentOffset)
	binary.LittleEndian.PutUint64(buf[16:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], size)
	binary.LittleEndian.PutUint64(buf[40:], size)
	binary.LittleEndian.PutUint64(buf[48:], cfg.SegmentAlignment)
}
