package stt

import (
	"bytes"
	"encoding/binary"

	"github.com/opentranslive/server/domain/entities"
)

// encodeWAV wraps raw PCM in a canonical 44-byte RIFF/WAVE header.
func encodeWAV(pcm []byte, format entities.AudioFormat) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	blockAlign := format.Channels * format.SampleWidth
	byteRate := format.SampleRate * blockAlign

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(format.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(format.SampleWidth*8))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
