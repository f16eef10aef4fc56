package postproc

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/dhowden/tag"
)

// Format is a detected audio container.
type Format string

const (
	FormatUnknown Format = ""
	FormatMP3     Format = "mp3"
	FormatAAC     Format = "aac"
	FormatM4A     Format = "m4a"
	FormatOgg     Format = "ogg"
	FormatOpus    Format = "opus"
	FormatFLAC    Format = "flac"
	FormatWAV     Format = "wav"
)

// Audio reports whether f is a known audio container.
func (f Format) Audio() bool { return f != FormatUnknown }

// Ext is the file extension for f, without the dot.
func (f Format) Ext() string {
	if f == FormatUnknown {
		return "bin"
	}
	return string(f)
}

const sniffLen = 64 << 10

// Sniff detects the container of the file at path.
func Sniff(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, err
	}
	head = head[:n]

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return FormatUnknown, err
	}
	if tf, ft, err := tag.Identify(f); err == nil {
		switch {
		case ft == tag.FLAC:
			return FormatFLAC, nil
		case tf == tag.MP4:
			return FormatM4A, nil
		case ft == tag.OGG:
			return oggKind(head), nil
		}
		// tag reports MP3 for any ID3 header; the frames behind it decide.
	}
	return sniffBytes(head), nil
}

// sniffBytes inspects magic numbers and MPEG/ADTS frame sync.
func sniffBytes(b []byte) Format {
	switch {
	case len(b) >= 4 && bytes.Equal(b[:4], []byte("fLaC")):
		return FormatFLAC
	case len(b) >= 4 && bytes.Equal(b[:4], []byte("OggS")):
		return oggKind(b)
	case len(b) >= 12 && bytes.Equal(b[:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return FormatWAV
	case len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp")):
		return FormatM4A
	}
	b = skipID3(b)
	return frameSync(b)
}

// skipID3 drops a leading ID3v2 tag.
func skipID3(b []byte) []byte {
	if len(b) < 10 || !bytes.Equal(b[:3], []byte("ID3")) {
		return b
	}
	size := int(b[6]&0x7f)<<21 | int(b[7]&0x7f)<<14 | int(b[8]&0x7f)<<7 | int(b[9]&0x7f)
	end := 10 + size
	if b[5]&0x10 != 0 {
		end += 10
	}
	if end >= len(b) {
		return nil
	}
	return b[end:]
}

// frameSync scans for the first MPEG audio or ADTS header and requires a
// second header right after it for MPEG.
func frameSync(b []byte) Format {
	for i := 0; i+4 <= len(b); i++ {
		if b[i] != 0xFF || b[i+1]&0xE0 != 0xE0 {
			continue
		}
		if b[i+1]&0xF6 == 0xF0 {
			return FormatAAC
		}
		if n := mpegFrameLen(b[i:]); n > 0 {
			if j := i + n; j+2 <= len(b) && b[j] == 0xFF && b[j+1]&0xE0 == 0xE0 {
				return FormatMP3
			}
			if i+n > len(b) {
				return FormatMP3
			}
		}
	}
	return FormatUnknown
}

var mp3Bitrates = [2][16]int{
	{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}, // MPEG-1 layer III
	{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},     // MPEG-2/2.5 layer III
}

var mp3Rates = [4][3]int{
	{11025, 12000, 8000},  // 2.5
	{0, 0, 0},             // reserved
	{22050, 24000, 16000}, // 2
	{44100, 48000, 32000}, // 1
}

// mpegFrameLen returns the byte length of a layer III frame, or 0.
func mpegFrameLen(h []byte) int {
	version := (h[1] >> 3) & 0x3
	layer := (h[1] >> 1) & 0x3
	if version == 1 || layer != 1 {
		return 0
	}
	brIdx := h[2] >> 4
	srIdx := (h[2] >> 2) & 0x3
	if srIdx == 3 {
		return 0
	}
	table := 1
	if version == 3 {
		table = 0
	}
	br := mp3Bitrates[table][brIdx] * 1000
	sr := mp3Rates[version][srIdx]
	if br == 0 || sr == 0 {
		return 0
	}
	padding := int((h[2] >> 1) & 0x1)
	if version == 3 {
		return 144*br/sr + padding
	}
	return 72*br/sr + padding
}

func oggKind(b []byte) Format {
	if bytes.Contains(b[:min(len(b), 512)], []byte("OpusHead")) {
		return FormatOpus
	}
	return FormatOgg
}
