package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/MrWong99/telepathy/pkg/types"
)

// WAV format tags found in the fmt chunk.
const (
	wavFormatPCM        = 0x0001
	wavFormatIEEEFloat  = 0x0003
	wavFormatExtensible = 0xFFFE
)

// wavHeader holds the fields of a WAV fmt chunk needed for decoding.
type wavHeader struct {
	FormatTag     int
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataOffset    int
	DataSize      int
}

// parseWAV walks the RIFF chunks of a WAV file and returns its fmt header
// and the location of the data chunk. Unknown chunks (LIST, fact, bext...)
// are skipped.
func parseWAV(wav []byte) (wavHeader, error) {
	if len(wav) < 12 {
		return wavHeader{}, fmt.Errorf("audio: WAV too short to be a valid RIFF file: %w", types.ErrAudioDecode)
	}
	if string(wav[0:4]) != "RIFF" {
		return wavHeader{}, fmt.Errorf("audio: missing RIFF header: %w", types.ErrAudioDecode)
	}
	if string(wav[8:12]) != "WAVE" {
		return wavHeader{}, fmt.Errorf("audio: missing WAVE identifier: %w", types.ErrAudioDecode)
	}

	var h wavHeader
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || body+16 > len(wav) {
				return wavHeader{}, fmt.Errorf("audio: truncated fmt chunk: %w", types.ErrAudioDecode)
			}
			f := wav[body:]
			h.FormatTag = int(binary.LittleEndian.Uint16(f[0:2]))
			h.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			h.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			// WAVE_FORMAT_EXTENSIBLE stores the real tag in the first two
			// bytes of the SubFormat GUID.
			if h.FormatTag == wavFormatExtensible && chunkSize >= 40 && body+26 <= len(wav) {
				h.FormatTag = int(binary.LittleEndian.Uint16(f[24:26]))
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return wavHeader{}, fmt.Errorf("audio: data chunk before fmt chunk: %w", types.ErrAudioDecode)
			}
			h.DataOffset = body
			h.DataSize = chunkSize
			// Streaming writers leave the size at 0 or 0xFFFFFFFF; clamp to
			// what is actually present.
			if h.DataSize == 0 || body+h.DataSize > len(wav) {
				h.DataSize = len(wav) - body
			}
			return h, nil
		}

		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavHeader{}, fmt.Errorf("audio: missing data chunk: %w", types.ErrAudioDecode)
}

// DecodeWAV decodes a WAV file into a mono [Waveform] at the file's native
// sample rate. Integer PCM of 8, 16, 24 or 32 bits and IEEE float of 32 or
// 64 bits are supported, including WAVE_FORMAT_EXTENSIBLE wrappers.
// Multi-channel audio is averaged to mono.
//
// All failures wrap [types.ErrAudioDecode].
func DecodeWAV(wav []byte) (Waveform, error) {
	h, err := parseWAV(wav)
	if err != nil {
		return Waveform{}, err
	}
	if h.Channels <= 0 {
		return Waveform{}, fmt.Errorf("audio: invalid channel count %d: %w", h.Channels, types.ErrAudioDecode)
	}
	if h.SampleRate <= 0 {
		return Waveform{}, fmt.Errorf("audio: invalid sample rate %d: %w", h.SampleRate, types.ErrAudioDecode)
	}

	var isFloat bool
	switch h.FormatTag {
	case wavFormatPCM:
	case wavFormatIEEEFloat:
		isFloat = true
	default:
		return Waveform{}, fmt.Errorf("audio: unsupported WAV format tag 0x%04x: %w", h.FormatTag, types.ErrAudioDecode)
	}

	pcm := wav[h.DataOffset : h.DataOffset+h.DataSize]
	interleaved, err := pcmToFloat(pcm, h.BitsPerSample, isFloat)
	if err != nil {
		return Waveform{}, fmt.Errorf("%w: %w", types.ErrAudioDecode, err)
	}
	return Waveform{
		Samples:    DownmixInterleaved(interleaved, h.Channels),
		SampleRate: h.SampleRate,
	}, nil
}

// EncodeWAV encodes w as a 16-bit mono PCM WAV file with a canonical 44-byte
// header.
func EncodeWAV(w Waveform) []byte {
	const bps = 16
	pcm := floatToPCM16(w.Samples)
	byteRate := w.SampleRate * bps / 8
	blockAlign := bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(w.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
