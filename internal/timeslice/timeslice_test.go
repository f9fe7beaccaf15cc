package timeslice

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	sliceLower = RegisterKind("lower", SliceFlagCompile)
	sliceEmit  = RegisterKind("emit", SliceFlagCompile|SliceFlagEmit)
)

func capture(t testing.TB, fn func()) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fn()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestRecordingRoundTrip(t *testing.T) {
	data := capture(t, func() {
		Record(sliceLower, 100*time.Millisecond)
		Record(sliceEmit, 200*time.Millisecond)
	})

	type seen struct {
		name  string
		flags SliceFlags
		d     time.Duration
	}
	var got []seen
	if err := ReadAllRecords(bytes.NewReader(data), func(name string, flags SliceFlags, d time.Duration) error {
		got = append(got, seen{name, flags, d})
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	want := []seen{
		{"lower", SliceFlagCompile, 100 * time.Millisecond},
		{"emit", SliceFlagCompile | SliceFlagEmit, 200 * time.Millisecond},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d=%+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSummarize(t *testing.T) {
	data := capture(t, func() {
		Record(sliceLower, 10*time.Millisecond)
		Record(sliceEmit, 5*time.Millisecond)
		Record(sliceLower, 30*time.Millisecond)
	})

	sum, err := Summarize(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(sum) != 2 {
		t.Fatalf("len(sum)=%d, want 2", len(sum))
	}
	if sum[0].Name != "lower" || sum[0].Count != 2 || sum[0].Total != 40*time.Millisecond {
		t.Fatalf("sum[0]=%+v, want lower x2 40ms", sum[0])
	}
	if got := sum[1].Flags.String(); got != "compile,emit" {
		t.Fatalf("flags=%q, want compile,emit", got)
	}
}

func TestKindsRegisteredLaterAreDropped(t *testing.T) {
	var late TimesliceID
	data := capture(t, func() {
		late = RegisterKind("late", SliceFlagPatch)
		Record(late, time.Millisecond)
		Record(sliceLower, time.Millisecond)
	})
	sum, err := Summarize(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(sum) != 1 || sum[0].Name != "lower" {
		t.Fatalf("sum=%+v, want only lower", sum)
	}
}

func TestSpanAndRecorder(t *testing.T) {
	data := capture(t, func() {
		stop := Span(sliceLower)
		stop()
		rec := NewRecorder()
		rec.Record(sliceEmit)
		rec.Record(sliceEmit)
	})
	sum, err := Summarize(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	counts := map[string]int{}
	for _, s := range sum {
		if s.Total < 0 {
			t.Fatalf("%s has negative total %v", s.Name, s.Total)
		}
		counts[s.Name] = s.Count
	}
	if counts["lower"] != 1 || counts["emit"] != 2 {
		t.Fatalf("counts=%v, want lower:1 emit:2", counts)
	}
}

func TestRecordWhileClosing(t *testing.T) {
	for range 20 {
		var buf bytes.Buffer
		w, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		var stop atomic.Bool
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for !stop.Load() {
					Record(sliceLower, time.Microsecond)
				}
			}()
		}
		time.Sleep(time.Millisecond)
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		stop.Store(true)
		wg.Wait()
		if _, err := Summarize(bytes.NewReader(buf.Bytes())); err != nil {
			t.Fatalf("Summarize: %v", err)
		}
	}
}

func TestStartRecordingTwice(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer w.Close()
	if _, err := StartRecording(&buf); err == nil {
		t.Fatalf("second StartRecording succeeded")
	}
}

func TestReadAllRecordsRejectsBadInput(t *testing.T) {
	data := capture(t, func() { Record(sliceLower, time.Millisecond) })
	nop := func(string, SliceFlags, time.Duration) error { return nil }

	bad := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(bad, 0)
	if err := ReadAllRecords(bytes.NewReader(bad), nop); err == nil {
		t.Fatalf("accepted bad magic")
	}

	bad = append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(bad[len(bad)-recordSize:], 9999)
	if err := ReadAllRecords(bytes.NewReader(bad), nop); err == nil {
		t.Fatalf("accepted unknown kind")
	}

	if err := ReadAllRecords(bytes.NewReader(data[:len(data)-3]), nop); err == nil {
		t.Fatalf("accepted truncated record")
	}
}

func BenchmarkRecordToFile(b *testing.B) {
	path := filepath.Join(b.TempDir(), "timeslice.bin")
	f, err := os.Create(path)
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	defer f.Close()

	w, err := StartRecording(f)
	if err != nil {
		b.Fatalf("StartRecording: %v", err)
	}
	var count int
	for b.Loop() {
		Record(sliceLower, time.Microsecond)
		count++
	}
	b.StopTimer()
	if err := w.Close(); err != nil {
		b.Fatalf("Close: %v", err)
	}

	r, err := os.Open(path)
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	defer r.Close()
	seen := 0
	if err := ReadAllRecords(r, func(string, SliceFlags, time.Duration) error {
		seen++
		return nil
	}); err != nil {
		b.Fatalf("ReadAllRecords: %v", err)
	}
	if seen != count {
		b.Fatalf("read %d records, want %d", seen, count)
	}
}
