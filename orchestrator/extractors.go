package orchestrator

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/maastricht-university/speechcaps/clients"
	"github.com/maastricht-university/speechcaps/dataset"
)

// PitchSamplingRate is the rate audio is resampled to before pitch tracking.
const PitchSamplingRate = 16_000

// PitchExtractor calls the pitch service.
type PitchExtractor struct {
	HTTP *clients.HTTP
	URL  string
}

func (e *PitchExtractor) Name() string       { return "pitch" }
func (e *PitchExtractor) Hardware() Hardware { return Accelerated }
func (e *PitchExtractor) Outputs() []OutputColumn {
	return []OutputColumn{
		{Source: "utterance_pitch_mean", Name: "utterance_pitch_mean"},
		{Source: "utterance_pitch_std", Name: "utterance_pitch_std"},
	}
}

func (e *PitchExtractor) Extract(ctx context.Context, batch *dataset.Table, _ *int, cfg ExtractConfig) (map[string]dataset.Column, error) {
	in, err := audioBatch(batch, cfg.AudioColumn, PitchSamplingRate)
	if err != nil {
		return nil, err
	}
	resp, err := e.HTTP.Pitch(ctx, e.URL, clients.PitchReq{Audio: in, Device: cfg.Device, PennBatchSize: cfg.ChunkBatchSize})
	if err != nil {
		return nil, err
	}
	return map[string]dataset.Column{
		"utterance_pitch_mean": floats(resp.Mean),
		"utterance_pitch_std":  floats(resp.Std),
	}, nil
}

// SNRExtractor calls the SNR/reverberation service.
type SNRExtractor struct {
	HTTP *clients.HTTP
	URL  string
}

func (e *SNRExtractor) Name() string       { return "snr" }
func (e *SNRExtractor) Hardware() Hardware { return Accelerated }
func (e *SNRExtractor) Outputs() []OutputColumn {
	return []OutputColumn{
		{Source: "snr", Name: "snr"},
		{Source: "c50", Name: "c50"},
		{Source: "speech_duration", Name: "speech_duration", Optional: true},
	}
}

func (e *SNRExtractor) Extract(ctx context.Context, batch *dataset.Table, _ *int, cfg ExtractConfig) (map[string]dataset.Column, error) {
	in, err := audioBatch(batch, cfg.AudioColumn, 0)
	if err != nil {
		return nil, err
	}
	resp, err := e.HTTP.SNR(ctx, e.URL, clients.SNRReq{Audio: in, Device: cfg.Device})
	if err != nil {
		return nil, err
	}
	out := map[string]dataset.Column{
		"snr": floats(resp.SNR),
		"c50": floats(resp.C50),
	}
	if resp.SpeechDuration != nil {
		out["speech_duration"] = floats(resp.SpeechDuration)
	}
	return out, nil
}

// SquimExtractor calls the perceptual quality service. The service reports
// SI-SDR as "sdr"; it lands in the dataset as "si-sdr".
type SquimExtractor struct {
	HTTP *clients.HTTP
	URL  string
}

func (e *SquimExtractor) Name() string       { return "squim" }
func (e *SquimExtractor) Hardware() Hardware { return Accelerated }
func (e *SquimExtractor) Outputs() []OutputColumn {
	return []OutputColumn{
		{Source: "stoi", Name: "stoi"},
		{Source: "sdr", Name: "si-sdr"},
		{Source: "pesq", Name: "pesq"},
	}
}

func (e *SquimExtractor) Extract(ctx context.Context, batch *dataset.Table, _ *int, cfg ExtractConfig) (map[string]dataset.Column, error) {
	in, err := audioBatch(batch, cfg.AudioColumn, 0)
	if err != nil {
		return nil, err
	}
	resp, err := e.HTTP.Squim(ctx, e.URL, clients.SquimReq{Audio: in, Device: cfg.Device})
	if err != nil {
		return nil, err
	}
	return map[string]dataset.Column{
		"stoi": floats(resp.STOI),
		"sdr":  floats(resp.SDR),
		"pesq": floats(resp.PESQ),
	}, nil
}

// RateExtractor phonemizes transcripts and divides the phoneme count by the
// speech duration, or by the audio length when no speech duration is known.
type RateExtractor struct {
	HTTP *clients.HTTP
	URL  string
}

func (e *RateExtractor) Name() string       { return "rate" }
func (e *RateExtractor) Hardware() Hardware { return CPUOnly }
func (e *RateExtractor) Outputs() []OutputColumn {
	return []OutputColumn{
		{Source: "speaking_rate", Name: "speaking_rate"},
		{Source: "phonemes", Name: "phonemes"},
	}
}

func (e *RateExtractor) Extract(ctx context.Context, batch *dataset.Table, _ *int, cfg ExtractConfig) (map[string]dataset.Column, error) {
	texts, err := stringColumn(batch, cfg.TextColumn)
	if err != nil {
		return nil, err
	}
	durations, err := speechDurations(batch, cfg.AudioColumn)
	if err != nil {
		return nil, err
	}
	resp, err := e.HTTP.Phonemize(ctx, e.URL, texts)
	if err != nil {
		return nil, err
	}
	if len(resp.Phonemes) != len(texts) {
		return nil, fmt.Errorf("%w: phonemizer returned %d results for %d texts", ErrBatchLength, len(resp.Phonemes), len(texts))
	}

	rates := make(dataset.Column, len(texts))
	phonemes := make(dataset.Column, len(texts))
	for i, ph := range resp.Phonemes {
		rates[i] = SpeakingRate(ph, durations[i])
		phonemes[i] = ph
	}
	return map[string]dataset.Column{"speaking_rate": rates, "phonemes": phonemes}, nil
}

// SpeakingRate is phonemes per second. A zero duration counts as 10ms.
func SpeakingRate(phonemes string, seconds float64) float64 {
	if seconds <= 0 {
		seconds = 0.01
	}
	return float64(utf8.RuneCountInString(phonemes)) / seconds
}
