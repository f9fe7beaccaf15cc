// Package timeslice records how long each compiler phase takes. Records are
// streamed to a writer in a compact binary form and can be totalled later.
//
// A recording starts with a header, followed by the table of registered
// kinds and then one fixed-size record per measurement:
//
//	header:  magic u32, version u32, kind count u32
//	kind:    flags u32, name length u16, name bytes
//	record:  kind u32, reserved u32, nanoseconds i64
package timeslice

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 4
)

const recordSize = 16

// TimesliceID names a registered kind. Zero is never registered.
type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

type SliceFlags uint32

const (
	// SliceFlagCompile marks time spent lowering functions.
	SliceFlagCompile SliceFlags = 1 << iota
	// SliceFlagEmit marks time spent encoding machine code.
	SliceFlagEmit
	// SliceFlagPatch marks time spent binding and rewriting published code.
	SliceFlagPatch
)

var flagNames = [...]string{"compile", "emit", "patch"}

func (f SliceFlags) String() string {
	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

type kind struct {
	name  string
	flags SliceFlags
}

var (
	kindsMu sync.Mutex
	kinds   = []kind{{}}
)

// RegisterKind adds a kind. Kinds registered after a recording started are
// dropped from that recording.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds = append(kinds, kind{name: name, flags: flags})
	return TimesliceID(len(kinds) - 1)
}

type record struct {
	id    TimesliceID
	nanos int64
}

type writer struct {
	out   *bufio.Writer
	known TimesliceID
	ch    chan record
	done  chan error

	// mu orders sends on ch against close(ch).
	mu     sync.RWMutex
	closed bool
}

func (w *writer) run() {
	var buf [recordSize]byte
	var err error
	for r := range w.ch {
		if err != nil || r.id > w.known {
			continue
		}
		binary.LittleEndian.PutUint32(buf[0:], uint32(r.id))
		binary.LittleEndian.PutUint32(buf[4:], 0)
		binary.LittleEndian.PutUint64(buf[8:], uint64(r.nanos))
		_, err = w.out.Write(buf[:])
	}
	if err == nil {
		err = w.out.Flush()
	}
	w.done <- err
}

// Close stops the recording and waits until every record reached the
// underlying writer.
func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return errors.New("timeslice: already closed")
	}
	w.mu.Lock()
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Record adds one measurement to the active recording, if there is one.
func Record(id TimesliceID, d time.Duration) {
	w := current.Load()
	if w == nil {
		return
	}
	w.mu.RLock()
	if !w.closed {
		w.ch <- record{id: id, nanos: d.Nanoseconds()}
	}
	w.mu.RUnlock()
}

// Recorder measures consecutive phases: each Record charges the time since
// the previous one. Not safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Span starts measuring id and returns the function that stops it.
func Span(id TimesliceID) func() {
	start := time.Now()
	return func() { Record(id, time.Since(start)) }
}

// StartRecording writes the kind table to w and streams every following
// measurement to it until the returned closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, errors.New("timeslice: already open")
	}

	kindsMu.Lock()
	table := append([]kind(nil), kinds[1:]...)
	kindsMu.Unlock()

	out := bufio.NewWriter(w)
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], Magic)
	binary.LittleEndian.PutUint32(hdr[4:], Version)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(table)))
	out.Write(hdr[:])
	for _, k := range table {
		if len(k.name) > 0xFFFF {
			return nil, fmt.Errorf("timeslice: kind name too long: %.32s...", k.name)
		}
		var entry [6]byte
		binary.LittleEndian.PutUint32(entry[0:], uint32(k.flags))
		binary.LittleEndian.PutUint16(entry[4:], uint16(len(k.name)))
		out.Write(entry[:])
		out.WriteString(k.name)
	}
	if err := out.Flush(); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	wr := &writer{
		out:   out,
		known: TimesliceID(len(table)),
		ch:    make(chan record, 4096),
		done:  make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, errors.New("timeslice: already open")
	}
	go wr.run()
	return wr, nil
}

// ReadAllRecords calls fn for every record in a recording, in order.
func ReadAllRecords(r io.Reader, fn func(name string, flags SliceFlags, d time.Duration) error) error {
	in := bufio.NewReader(r)

	var hdr [12]byte
	if _, err := io.ReadFull(in, hdr[:]); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != Magic {
		return errors.New("timeslice: invalid magic")
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != Version {
		return fmt.Errorf("timeslice: unsupported version %d", v)
	}

	table := []kind{{}}
	for n := binary.LittleEndian.Uint32(hdr[8:]); n > 0; n-- {
		var entry [6]byte
		if _, err := io.ReadFull(in, entry[:]); err != nil {
			return fmt.Errorf("timeslice: read kinds: %w", err)
		}
		name := make([]byte, binary.LittleEndian.Uint16(entry[4:]))
		if _, err := io.ReadFull(in, name); err != nil {
			return fmt.Errorf("timeslice: read kinds: %w", err)
		}
		table = append(table, kind{name: string(name), flags: SliceFlags(binary.LittleEndian.Uint32(entry[0:]))})
	}

	var buf [recordSize]byte
	for {
		if _, err := io.ReadFull(in, buf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		id := binary.LittleEndian.Uint32(buf[0:])
		if id == 0 || int(id) >= len(table) {
			return fmt.Errorf("timeslice: unknown kind %d", id)
		}
		k := table[id]
		if err := fn(k.name, k.flags, time.Duration(int64(binary.LittleEndian.Uint64(buf[8:])))); err != nil {
			return err
		}
	}
}

// Summary is the total time and count recorded for one kind.
type Summary struct {
	Name  string
	Flags SliceFlags
	Count int
	Total time.Duration
}

// Summarize totals a recording per kind, longest first.
func Summarize(r io.Reader) ([]Summary, error) {
	byName := make(map[string]*Summary)
	err := ReadAllRecords(r, func(name string, flags SliceFlags, d time.Duration) error {
		s, ok := byName[name]
		if !ok {
			s = &Summary{Name: name, Flags: flags}
			byName[name] = s
		}
		s.Count++
		s.Total += d
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
