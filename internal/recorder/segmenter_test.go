package recorder

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

func pcm(samples int) []byte {
	return make([]byte, samples*2)
}

func TestSegmenterTick(t *testing.T) {
	start := time.Unix(1000, 0)
	seg := NewSegmenter("s1", 30*time.Second, 16000)
	seg.Reset(0, start)
	seg.Write(pcm(16000))

	chunk, err := seg.Tick(start.Add(29 * time.Second))
	if err != nil || chunk != nil {
		t.Fatalf("Tick before target = %v, %v; want nil, nil", chunk, err)
	}

	chunk, err = seg.Tick(start.Add(30 * time.Second))
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if chunk == nil {
		t.Fatal("expected a chunk at the target duration")
	}
	if chunk.SessionID != "s1" || chunk.Index != 0 || chunk.IsLast {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
	if chunk.DurationSeconds != 1 {
		t.Errorf("DurationSeconds = %v, want 1", chunk.DurationSeconds)
	}
	if seg.Buffered() != 0 {
		t.Errorf("Buffered = %d after cut", seg.Buffered())
	}

	// The window restarts at the cut, so an immediate tick emits nothing
	seg.Write(pcm(10))
	if chunk, _ := seg.Tick(start.Add(31 * time.Second)); chunk != nil {
		t.Errorf("Tick right after a cut emitted chunk %d", chunk.Index)
	}
}

func TestSegmenterFlushEmptyEmitsNothing(t *testing.T) {
	seg := NewSegmenter("s1", time.Second, 16000)
	seg.Reset(0, time.Now())

	if chunk, err := seg.Flush(time.Now()); chunk != nil || err != nil {
		t.Errorf("Flush = %v, %v; want nil, nil", chunk, err)
	}
	if chunk, err := seg.FlushLast(time.Now()); chunk != nil || err != nil {
		t.Errorf("FlushLast = %v, %v; want nil, nil", chunk, err)
	}
	if seg.NextIndex() != 0 {
		t.Errorf("NextIndex = %d, empty flushes must not consume indices", seg.NextIndex())
	}
}

func TestSegmenterIndicesAcrossFlushesAndReset(t *testing.T) {
	now := time.Now()
	seg := NewSegmenter("s1", time.Hour, 16000)
	seg.Reset(0, now)

	var got []int
	for i := 0; i < 3; i++ {
		seg.Write(pcm(100))
		chunk, err := seg.Flush(now)
		if err != nil || chunk == nil {
			t.Fatalf("Flush %d = %v, %v", i, chunk, err)
		}
		got = append(got, chunk.Index)
	}
	for i, idx := range got {
		if idx != i {
			t.Errorf("chunk %d has index %d", i, idx)
		}
	}

	// Resuming from a persisted index continues the sequence without gaps
	seg.Write(pcm(100))
	seg.Reset(7, now)
	if seg.Buffered() != 0 {
		t.Errorf("Reset kept %d buffered bytes", seg.Buffered())
	}
	seg.Write(pcm(100))
	chunk, err := seg.FlushLast(now)
	if err != nil || chunk == nil {
		t.Fatalf("FlushLast = %v, %v", chunk, err)
	}
	if chunk.Index != 7 || !chunk.IsLast {
		t.Errorf("chunk = index %d last %v, want index 7 last true", chunk.Index, chunk.IsLast)
	}
}

func TestSegmenterKeepsOddByte(t *testing.T) {
	now := time.Now()
	seg := NewSegmenter("s1", time.Hour, 8000)
	seg.Reset(0, now)
	seg.Write([]byte{1, 2, 3})

	chunk, err := seg.Flush(now)
	if err != nil || chunk == nil {
		t.Fatalf("Flush = %v, %v", chunk, err)
	}
	if len(chunk.Payload) != 44+2 {
		t.Errorf("payload length = %d, want 46", len(chunk.Payload))
	}
	if seg.Buffered() != 1 {
		t.Errorf("Buffered = %d, want the odd byte kept", seg.Buffered())
	}

	// A lone byte is not a sample
	if chunk, _ := seg.Flush(now); chunk != nil {
		t.Errorf("flushed a chunk from a single byte")
	}
}

func TestSegmenterConcurrentFlushEmitsOnce(t *testing.T) {
	now := time.Now()
	seg := NewSegmenter("s1", time.Hour, 16000)
	seg.Reset(0, now)
	seg.Write(pcm(1000))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunk, err := seg.Flush(now)
			if err != nil {
				t.Errorf("Flush failed: %v", err)
				return
			}
			if chunk != nil {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count != 1 {
		t.Errorf("emitted %d chunks, want exactly 1", count)
	}
	if seg.NextIndex() != 1 {
		t.Errorf("NextIndex = %d, want 1", seg.NextIndex())
	}
}

func TestEncodeWAV(t *testing.T) {
	data := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	wav, err := EncodeWAV(data, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	var h wavHeader
	if err := binary.Read(bytes.NewReader(wav), binary.LittleEndian, &h); err != nil {
		t.Fatalf("failed to read header: %v", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" || string(h.Subchunk2ID[:]) != "data" {
		t.Errorf("bad magic: %q %q %q", h.ChunkID, h.Format, h.Subchunk2ID)
	}
	if h.SampleRate != 16000 || h.NumChannels != 1 || h.BitsPerSample != 16 {
		t.Errorf("bad format: %+v", h)
	}
	if h.ByteRate != 32000 || h.BlockAlign != 2 {
		t.Errorf("ByteRate = %d BlockAlign = %d", h.ByteRate, h.BlockAlign)
	}
	if h.Subchunk2Size != uint32(len(data)) || h.ChunkSize != 36+uint32(len(data)) {
		t.Errorf("sizes = %d %d", h.Subchunk2Size, h.ChunkSize)
	}
	if !bytes.Equal(wav[44:], data) {
		t.Errorf("payload not preserved")
	}

	tests := []struct {
		name string
		data []byte
		rate int
	}{
		{"empty", nil, 16000},
		{"odd length", []byte{1, 2, 3}, 16000},
		{"zero rate", []byte{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.data, tt.rate); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
