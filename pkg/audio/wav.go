package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the byte length of a canonical PCM WAV header
// (RIFF chunk + fmt chunk + data chunk header).
const wavHeaderSize = 44

// ErrNotWAV is returned by DecodeWAV when the input does not start with a
// RIFF/WAVE signature.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

// WAVInfo describes a decoded WAV container.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int

	// Data is the raw PCM payload of the data chunk.
	Data []byte
}

// SampleCount returns the number of per-channel sample frames in the payload.
func (w WAVInfo) SampleCount() int {
	bytesPerFrame := (w.BitsPerSample / 8) * w.Channels
	if bytesPerFrame == 0 {
		return 0
	}
	return len(w.Data) / bytesPerFrame
}

// EncodeWAV wraps raw PCM16 bytes in a canonical RIFF/WAVE container carrying
// the sample rate, bit depth (16), and channel count in its header. Audio is
// never transmitted headerless: the receiving side cannot infer the format
// from a bare byte stream.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, wavHeaderSize+len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)

	return out
}

// DecodeWAV parses a RIFF/WAVE container and returns its format header and
// PCM payload. Chunks other than fmt and data are skipped. Returns ErrNotWAV
// if the RIFF signature is missing, or a descriptive error for a truncated or
// non-PCM file.
func DecodeWAV(b []byte) (WAVInfo, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	sawFmt := false
	pos := 12
	for pos+8 <= len(b) {
		chunkID := string(b[pos : pos+4])
		chunkLen := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkLen > len(b) {
			return WAVInfo{}, fmt.Errorf("audio: truncated %q chunk: need %d bytes, have %d", chunkID, chunkLen, len(b)-body)
		}

		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return WAVInfo{}, fmt.Errorf("audio: fmt chunk too short: %d bytes", chunkLen)
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			if format != 1 {
				return WAVInfo{}, fmt.Errorf("audio: unsupported WAV format code %d (only PCM)", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			sawFmt = true
		case "data":
			info.Data = b[body : body+chunkLen]
		}

		// Chunks are word-aligned.
		pos = body + chunkLen
		if chunkLen%2 == 1 {
			pos++
		}
	}

	if !sawFmt {
		return WAVInfo{}, errors.New("audio: missing fmt chunk")
	}
	if info.Data == nil {
		return WAVInfo{}, errors.New("audio: missing data chunk")
	}
	return info, nil
}
