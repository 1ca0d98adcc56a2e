package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// WAVHeaderSize is the size of the canonical 44-byte RIFF/WAVE header.
const WAVHeaderSize = 44

const wavPCM = 1

// WAVHeader returns a canonical header for dataLen bytes of PCM in format f.
func WAVHeader(f Format, dataLen uint32) []byte {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize)
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36)+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavPCM))
	binary.Write(&buf, binary.LittleEndian, uint16(f.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(f.BytesPerSecond()))
	binary.Write(&buf, binary.LittleEndian, uint16(f.FrameSize()))
	binary.Write(&buf, binary.LittleEndian, uint16(f.BitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	return buf.Bytes()
}

// EncodeWAV wraps raw PCM in a WAV container.
func EncodeWAV(f Format, pcm []byte) []byte {
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, WAVHeader(f, uint32(len(pcm)))...)
	return append(out, pcm...)
}

// PatchWAVHeader rewrites the size fields of a WAV file whose data chunk is
// dataLen bytes long.
func PatchWAVHeader(w io.WriterAt, dataLen uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 36+dataLen)
	if _, err := w.WriteAt(b[:], 4); err != nil {
		return fmt.Errorf("patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(b[:], dataLen)
	if _, err := w.WriteAt(b[:], 40); err != nil {
		return fmt.Errorf("patch data size: %w", err)
	}
	return nil
}
