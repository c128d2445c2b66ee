package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeWAV writes samples as a canonical 44-byte-header RIFF/WAVE file with
// 16-bit PCM data. The recognition providers only ever produce short clips,
// so the whole payload is written in one pass with a known length.
func EncodeWAV(w io.Writer, samples []int16, sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("audio: invalid wav format %d Hz / %d ch", sampleRate, channels)
	}

	dataLen := len(samples) * 2
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	var hdr bytes.Buffer
	hdr.WriteString("RIFF")
	binary.Write(&hdr, binary.LittleEndian, uint32(36+dataLen))
	hdr.WriteString("WAVE")
	hdr.WriteString("fmt ")
	binary.Write(&hdr, binary.LittleEndian, uint32(16))         // fmt chunk size
	binary.Write(&hdr, binary.LittleEndian, uint16(1))          // PCM
	binary.Write(&hdr, binary.LittleEndian, uint16(channels))
	binary.Write(&hdr, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&hdr, binary.LittleEndian, uint32(byteRate))
	binary.Write(&hdr, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&hdr, binary.LittleEndian, uint16(16))         // bits per sample
	hdr.WriteString("data")
	binary.Write(&hdr, binary.LittleEndian, uint32(dataLen))

	if _, err := w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}

	pcm := make([]byte, dataLen)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// WAVBytes encodes samples to an in-memory WAV file. Convenience wrapper for
// providers that upload the clip over HTTP.
func WAVBytes(samples []int16, sampleRate, channels int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(samples)*2)
	if err := EncodeWAV(&buf, samples, sampleRate, channels); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
