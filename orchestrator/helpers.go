package orchestrator

import (
	"fmt"

	"github.com/maastricht-university/speechcaps/audio"
	"github.com/maastricht-university/speechcaps/clients"
	"github.com/maastricht-university/speechcaps/dataset"
)

// audioBatch decodes the audio column of batch for sending, resampling to
// rate when rate > 0.
func audioBatch(batch *dataset.Table, column string, rate int) ([]clients.AudioIn, error) {
	col, err := batch.Column(column)
	if err != nil {
		return nil, err
	}
	out := make([]clients.AudioIn, len(col))
	for i, v := range col {
		p, err := audio.FromValue(v)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if rate > 0 {
			if p, err = p.Resample(rate); err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
		samples, sr, err := p.Samples()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = clients.AudioIn{Array: samples, SamplingRate: sr}
	}
	return out, nil
}

// speechDurations prefers the speech_duration column and falls back to the
// length of each row's audio.
func speechDurations(batch *dataset.Table, audioColumn string) ([]float64, error) {
	out := make([]float64, batch.NumRows())
	if col, err := batch.Column("speech_duration"); err == nil {
		for i, v := range col {
			f, ok := asFloat(v)
			if !ok {
				return nil, fmt.Errorf("row %d: speech_duration is %T", i, v)
			}
			out[i] = f
		}
		return out, nil
	}

	col, err := batch.Column(audioColumn)
	if err != nil {
		return nil, fmt.Errorf("no speech_duration and %w", err)
	}
	for i, v := range col {
		p, err := audio.FromValue(v)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if out[i], err = p.Duration(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return out, nil
}

func stringColumn(batch *dataset.Table, name string) ([]string, error) {
	col, err := batch.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(col))
	for i, v := range col {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("row %d: column %q is %T, want string", i, name, v)
		}
		out[i] = s
	}
	return out, nil
}

func floats(v []float64) dataset.Column {
	out := make(dataset.Column, len(v))
	for i, f := range v {
		out[i] = f
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	default:
		return 0, false
	}
}
