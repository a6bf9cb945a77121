package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	formatPCM   = 1
	formatFloat = 3
)

// WAV holds a decoded RIFF/WAVE file with its raw interleaved sample data.
type WAV struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	Data          []byte
}

func ReadWAVFile(path string) (WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAV{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	return ReadWAV(f)
}

func ReadWAV(r io.ReadSeeker) (WAV, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return WAV{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return WAV{}, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return WAV{}, ErrInvalidWAV
	}

	var (
		out        WAV
		dataOffset int64
		dataSize   uint32
		hasFmt     bool
		hasData    bool
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return WAV{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		chunkStart, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return WAV{}, fmt.Errorf("seek wav chunk start: %w", err)
		}

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return WAV{}, ErrInvalidWAV
			}

			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return WAV{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}

			out.AudioFormat = binary.LittleEndian.Uint16(buf[0:2])
			out.Channels = binary.LittleEndian.Uint16(buf[2:4])
			out.SampleRate = binary.LittleEndian.Uint32(buf[4:8])
			out.BitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			hasFmt = true

			if chunkSize%2 != 0 {
				if _, err := r.Seek(1, io.SeekCurrent); err != nil {
					return WAV{}, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			dataOffset = chunkStart
			dataSize = chunkSize
			hasData = true
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return WAV{}, fmt.Errorf("seek wav data chunk: %w", err)
			}
		default:
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return WAV{}, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return WAV{}, ErrInvalidWAV
	}

	if err := validateFormat(out.AudioFormat, out.BitsPerSample); err != nil {
		return WAV{}, err
	}
	if out.Channels == 0 || out.SampleRate == 0 {
		return WAV{}, ErrInvalidWAV
	}

	if _, err := r.Seek(dataOffset, io.SeekStart); err != nil {
		return WAV{}, fmt.Errorf("seek wav data offset: %w", err)
	}

	// ffmpeg writes 0xFFFFFFFF as the data size when streaming to a pipe.
	data, err := io.ReadAll(io.LimitReader(r, int64(dataSize)))
	if err != nil {
		return WAV{}, fmt.Errorf("read wav data: %w", err)
	}
	frame := out.frameSize()
	out.Data = data[:len(data)-len(data)%frame]

	return out, nil
}

func (w WAV) frameSize() int {
	return int(w.Channels) * int(w.BitsPerSample/8)
}

func (w WAV) Frames() int {
	frame := w.frameSize()
	if frame == 0 {
		return 0
	}
	return len(w.Data) / frame
}

func (w WAV) Duration() time.Duration {
	if w.SampleRate == 0 {
		return 0
	}
	return time.Duration(w.Frames()) * time.Second / time.Duration(w.SampleRate)
}

// Window is a contiguous slice of a WAV starting Offset into the source.
// KeepFrom and KeepTo bound the part of the source the window is
// responsible for; neighbouring windows overlap outside that range.
type Window struct {
	Offset   time.Duration
	WAV      WAV
	KeepFrom time.Duration
	KeepTo   time.Duration
	last     bool
}

// Owns reports whether a point in source time belongs to this window. The
// last window owns everything past its KeepFrom.
func (w Window) Owns(at time.Duration) bool {
	if at < w.KeepFrom {
		return false
	}
	return w.last || at < w.KeepTo
}

// Split cuts the audio into windows of at most length. Consecutive windows
// share 2*stride of audio; each owns the middle of the shared region so
// every instant is owned by exactly one window. A stride that leaves no
// forward progress is treated as zero. A non-positive length yields a
// single window.
func (w WAV) Split(length, stride time.Duration) []Window {
	frames := w.Frames()
	if frames == 0 {
		return nil
	}

	perWindow := w.framesIn(length)
	if length <= 0 || perWindow <= 0 || perWindow >= frames {
		return []Window{{WAV: w, KeepTo: w.Duration(), last: true}}
	}

	strideFrames := w.framesIn(stride)
	if strideFrames < 0 || 2*strideFrames >= perWindow {
		strideFrames = 0
	}
	step := perWindow - 2*strideFrames

	frame := w.frameSize()
	windows := make([]Window, 0, (frames+step-1)/step)
	for start := 0; ; start += step {
		end := start + perWindow
		if end > frames {
			end = frames
		}

		keepFrom, keepTo := start+strideFrames, end-strideFrames
		if start == 0 {
			keepFrom = 0
		}
		if end == frames {
			keepTo = frames
		}

		part := w
		part.Data = w.Data[start*frame : end*frame]
		windows = append(windows, Window{
			Offset:   w.timeAt(start),
			WAV:      part,
			KeepFrom: w.timeAt(keepFrom),
			KeepTo:   w.timeAt(keepTo),
			last:     end == frames,
		})
		if end == frames {
			return windows
		}
	}
}

func (w WAV) framesIn(d time.Duration) int {
	return int(int64(d) * int64(w.SampleRate) / int64(time.Second))
}

func (w WAV) timeAt(frame int) time.Duration {
	return time.Duration(frame) * time.Second / time.Duration(w.SampleRate)
}

func (w WAV) Encode() []byte {
	const fmtChunkSize = 16
	dataSize := len(w.Data)

	var buf bytes.Buffer
	buf.Grow(12 + 8 + fmtChunkSize + 8 + dataSize)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(4+(8+fmtChunkSize)+(8+dataSize)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(fmtChunkSize))
	_ = binary.Write(&buf, binary.LittleEndian, w.AudioFormat)
	_ = binary.Write(&buf, binary.LittleEndian, w.Channels)
	_ = binary.Write(&buf, binary.LittleEndian, w.SampleRate)
	_ = binary.Write(&buf, binary.LittleEndian, w.SampleRate*uint32(w.frameSize()))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(w.frameSize()))
	_ = binary.Write(&buf, binary.LittleEndian, w.BitsPerSample)

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(w.Data)

	return buf.Bytes()
}

func (w WAV) WriteFile(path string) error {
	if err := os.WriteFile(path, w.Encode(), 0o600); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	switch audioFormat {
	case formatPCM:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case formatFloat:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}
