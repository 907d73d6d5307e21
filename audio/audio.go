// Package audio is the audio payload carried in a dataset's audio column.
// A payload either references a WAV file on disk or holds decoded mono
// samples; samples are only decoded when an extractor asks for them.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	// ErrNoSamples is returned by a payload with neither a path nor samples.
	ErrNoSamples = errors.New("audio payload has no samples")
	// ErrInvalidWAV is returned when the referenced file is not a WAV file.
	ErrInvalidWAV = errors.New("not a valid wav file")
	// ErrNotPayload is returned when a row value cannot be read as audio.
	ErrNotPayload = errors.New("value is not an audio payload")
)

// Payload is one row's audio.
type Payload struct {
	Path         string    `json:"path,omitempty"`
	Array        []float64 `json:"array,omitempty"`
	SamplingRate int       `json:"sampling_rate"`
}

// Samples returns mono samples in [-1, 1], decoding Path when Array is empty.
// The payload itself is not modified.
func (p Payload) Samples() ([]float64, int, error) {
	if len(p.Array) > 0 {
		return p.Array, p.SamplingRate, nil
	}
	if p.Path == "" {
		return nil, 0, ErrNoSamples
	}
	return Decode(p.Path)
}

// Duration returns the length in seconds.
func (p Payload) Duration() (float64, error) {
	samples, rate, err := p.Samples()
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		return 0, fmt.Errorf("audio %q: sampling rate %d", p.Path, rate)
	}
	return float64(len(samples)) / float64(rate), nil
}

// Resample returns a decoded payload at rate. Paths are dropped from the
// result; the receiver keeps its reference.
func (p Payload) Resample(rate int) (Payload, error) {
	samples, src, err := p.Samples()
	if err != nil {
		return Payload{}, err
	}
	return Payload{Array: Resample(samples, src, rate), SamplingRate: rate}, nil
}

// WithBase resolves a relative Path against dir.
func (p Payload) WithBase(dir string) Payload {
	if p.Path != "" && !filepath.IsAbs(p.Path) {
		p.Path = filepath.Join(dir, p.Path)
	}
	return p
}

// FromValue reads a row value as a payload.
func FromValue(v any) (Payload, error) {
	switch a := v.(type) {
	case Payload:
		return a, nil
	case *Payload:
		if a == nil {
			return Payload{}, ErrNotPayload
		}
		return *a, nil
	default:
		return Payload{}, fmt.Errorf("%w: %T", ErrNotPayload, v)
	}
}

// Decode reads a PCM WAV file and downmixes it to mono.
func Decode(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read pcm %s: %w", path, err)
	}
	return toMono(buf), buf.Format.SampleRate, nil
}

func toMono(buf *goaudio.IntBuffer) []float64 {
	ch := buf.Format.NumChannels
	if ch < 1 {
		ch = 1
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := math.Pow(2, float64(depth-1))
	frames := len(buf.Data) / ch
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += float64(buf.Data[i*ch+c])
		}
		out[i] = sum / float64(ch) / scale
	}
	return out
}

// Resample converts samples from rate src to dst by linear interpolation.
func Resample(samples []float64, src, dst int) []float64 {
	if src == dst || src <= 0 || dst <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(math.Round(float64(len(samples)) * float64(dst) / float64(src)))
	out := make([]float64, n)
	step := float64(src) / float64(dst)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// Encode writes mono samples in [-1, 1] as a 16-bit PCM WAV file.
func Encode(path string, samples []float64, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create audio: %w", err)
	}
	defer f.Close()

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(math.Round(math.Max(-1, math.Min(1, s)) * 32767))
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
