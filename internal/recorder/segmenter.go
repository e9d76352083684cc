// Package recorder captures audio into indexed chunks and delivers them to the ingestion server.
package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/codebuildervaibhav/session-transcription/internal/types"
)

// Segmenter cuts a continuous PCM16 mono capture stream into indexed chunks of a target duration
type Segmenter struct {
	target     time.Duration
	sampleRate int

	mu         sync.Mutex
	sessionID  string
	buf        bytes.Buffer
	nextIndex  int
	chunkStart time.Time
}

// NewSegmenter creates a segmenter for one session
func NewSegmenter(sessionID string, target time.Duration, sampleRate int) *Segmenter {
	return &Segmenter{
		sessionID:  sessionID,
		target:     target,
		sampleRate: sampleRate,
	}
}

// Reset drops any buffered audio and continues numbering at nextIndex
func (s *Segmenter) Reset(nextIndex int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	s.nextIndex = nextIndex
	s.chunkStart = now
}

// Write appends raw capture bytes. It is the io.Writer handed to the capture device.
func (s *Segmenter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// Tick closes the current chunk once it has been accumulating for the target duration
func (s *Segmenter) Tick(now time.Time) (*types.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.chunkStart) < s.target {
		return nil, nil
	}
	return s.cut(now, false)
}

// Flush closes the current chunk immediately. It returns nil when nothing was buffered.
func (s *Segmenter) Flush(now time.Time) (*types.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cut(now, false)
}

// FlushLast is Flush for the final chunk of a session
func (s *Segmenter) FlushLast(now time.Time) (*types.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cut(now, true)
}

// NextIndex returns the index the next emitted chunk will carry
func (s *Segmenter) NextIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex
}

// Buffered returns how many capture bytes are waiting for the next cut
func (s *Segmenter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// cut must be called with mu held. A trailing odd byte stays buffered for the next chunk.
func (s *Segmenter) cut(now time.Time, last bool) (*types.Chunk, error) {
	s.chunkStart = now

	n := s.buf.Len() &^ 1
	if n == 0 {
		return nil, nil
	}

	pcm := make([]byte, n)
	copy(pcm, s.buf.Next(n))

	payload, err := EncodeWAV(pcm, s.sampleRate)
	if err != nil {
		return nil, err
	}

	chunk := &types.Chunk{
		SessionID:       s.sessionID,
		Index:           s.nextIndex,
		Payload:         payload,
		DurationSeconds: float64(n/2) / float64(s.sampleRate),
		IsLast:          last,
	}
	s.nextIndex++
	return chunk, nil
}

// wavHeader is the 44-byte RIFF header of a PCM WAV file
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// EncodeWAV wraps little-endian PCM16 mono bytes into a WAV file
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM16 data must have an even length, got %d", len(pcm))
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	dataSize := uint32(len(pcm))

	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * numChannels * bitsPerSample / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}
