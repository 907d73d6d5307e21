package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/speechcaps/audio"
	"github.com/maastricht-university/speechcaps/cache"
	"github.com/maastricht-university/speechcaps/clients"
	cfg "github.com/maastricht-university/speechcaps/config"
	"github.com/maastricht-university/speechcaps/dataset"
	"github.com/maastricht-university/speechcaps/logging"
	"github.com/maastricht-university/speechcaps/metrics"
	"github.com/maastricht-university/speechcaps/store"
)

// featureServer answers every extractor endpoint. Each row's audio is a
// constant signal whose level encodes the row index, so results can be checked
// for alignment.
func featureServer(t *testing.T) *httptest.Server {
	t.Helper()
	level := func(a clients.AudioIn) float64 { return math.Round(a.Array[0] * 10) }

	mux := http.NewServeMux()
	mux.HandleFunc("/pitch", func(w http.ResponseWriter, r *http.Request) {
		var req clients.PitchReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 4096, req.PennBatchSize)
		var out clients.PitchResp
		for _, a := range req.Audio {
			assert.Equal(t, PitchSamplingRate, a.SamplingRate)
			out.Mean = append(out.Mean, 100*level(a))
			out.Std = append(out.Std, 1)
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/snr", func(w http.ResponseWriter, r *http.Request) {
		var req clients.SNRReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var out clients.SNRResp
		for _, a := range req.Audio {
			out.SNR = append(out.SNR, 10*level(a))
			out.C50 = append(out.C50, 50)
			out.SpeechDuration = append(out.SpeechDuration, float64(len(a.Array))/float64(a.SamplingRate))
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/squim", func(w http.ResponseWriter, r *http.Request) {
		var req clients.SquimReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var out clients.SquimResp
		for _, a := range req.Audio {
			out.STOI = append(out.STOI, 0.9)
			out.SDR = append(out.SDR, level(a))
			out.PESQ = append(out.PESQ, 3)
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/phonemize", func(w http.ResponseWriter, r *http.Request) {
		var req clients.PhonemizeReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(clients.PhonemizeResp{Phonemes: req.Texts})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// chatServer rejects spk4 outright, keeps throttling spk2 and captions
// everyone else.
func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req clients.ChatReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "caption-model", req.Model)
		p := req.Messages[0].Content
		switch {
		case strings.Contains(p, "'spk4'"):
			http.Error(w, "no such model route", http.StatusNotFound)
		case strings.Contains(p, "'spk2'"):
			http.Error(w, "slow down", http.StatusTooManyRequests)
		default:
			for i := 0; i < 5; i++ {
				if strings.Contains(p, fmt.Sprintf("'spk%d'", i)) {
					fmt.Fprintf(w, `{"choices":[{"message":{"content":"  spk%d talks.\n"}}]}`, i)
					return
				}
			}
			http.Error(w, "unknown speaker", http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// inputDataset writes five rows with audio, transcript and descriptor columns.
func inputDataset(t *testing.T, dir string) {
	t.Helper()
	const n = 5
	cols := map[string]dataset.Column{}
	names := []string{"clip", "sentence", "speaker", "reverberation", "sdr_noise", "speech_monotony", "pace", "pitch"}
	for _, name := range names {
		cols[name] = make(dataset.Column, n)
	}
	for i := 0; i < n; i++ {
		samples := make([]float64, 4000*(i+1))
		for k := range samples {
			samples[k] = float64(i) / 10
		}
		cols["clip"][i] = audio.Payload{Array: samples, SamplingRate: 8000}
		cols["sentence"][i] = "hello"
		cols["speaker"][i] = fmt.Sprintf("spk%d", i)
		cols["reverberation"][i] = "very close-sounding"
		cols["sdr_noise"][i] = "very clear"
		cols["speech_monotony"][i] = "monotone"
		cols["pace"][i] = "slowly"
		cols["pitch"][i] = "moderate pitch"
	}
	tbl, err := dataset.New(names, cols)
	require.NoError(t, err)
	require.NoError(t, store.SaveLocal(dir, dataset.Single(tbl), store.SaveOptions{}))
}

func testConfig(t *testing.T, features, chat string) *cfg.Root {
	t.Helper()
	c := cfg.Default()
	c.Accelerators = 0
	c.Workers.CPU = 2
	c.Workers.BatchSize = 2
	c.Workers.CPUWriterBatchSize = 3
	c.Quality.Enabled = true
	c.Dataset.AudioColumnName = "clip"
	c.Dataset.TextColumnName = "sentence"
	c.Dataset.RenameColumns = true
	c.Services.Pitch.URL = features
	c.Services.SNR.URL = features
	c.Services.Squim.URL = features
	c.Services.Phonemizer.URL = features
	c.Services.Chat.URL = chat
	c.Output.Reports = filepath.Join(t.TempDir(), "reports")
	c.Cache.Path = filepath.Join(t.TempDir(), "cache.db")
	c.Annotation.Model = "caption-model"
	c.Annotation.Concurrency = 2
	c.Annotation.CheckpointEvery = 2
	c.Annotation.Columns.Rate = "pace"
	c.Annotation.Retry = cfg.Retry{Mode: cfg.RetryBackoff, MaxAttempts: 3, BaseDelayMillis: 1, MaxDelayMillis: 2}
	require.NoError(t, c.Validate())
	return c
}

func TestEnrichThenCaptionFiveRows(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	in := filepath.Join(root, "input")
	inputDataset(t, in)

	c := testConfig(t, featureServer(t).URL, chatServer(t).URL)
	c.Dataset.Name = in
	c.Output.Dir = filepath.Join(root, "enriched")
	loader := &store.Loader{CacheDir: filepath.Join(root, "hub-cache"), Log: logging.Discard()}

	report, err := NewPipeline(c, logging.Discard(), metrics.New(), loader).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"train": 5}, report.Splits)
	assert.Len(t, report.Passes, 4)
	assert.FileExists(t, filepath.Join(c.Output.Reports, "run_"+report.RunID, "report.json"))

	enriched, _, err := store.LoadLocal(c.Output.Dir)
	require.NoError(t, err)
	train, err := enriched.Split("train")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"audio", "text", "speaker", "reverberation", "sdr_noise", "speech_monotony", "pace", "pitch",
		"utterance_pitch_mean", "utterance_pitch_std",
		"snr", "c50", "speech_duration",
		"speaking_rate", "phonemes",
		"stoi", "si-sdr", "pesq",
	}, train.ColumnNames())

	mean, _ := train.Column("utterance_pitch_mean")
	rates, _ := train.Column("speaking_rate")
	sdr, _ := train.Column("si-sdr")
	for i := 0; i < 5; i++ {
		assert.InDelta(t, 100*float64(i), mean[i], 1e-9, "row %d", i)
		assert.InDelta(t, 5/(0.5*float64(i+1)), rates[i], 1e-9, "row %d", i)
		assert.InDelta(t, float64(i), sdr[i], 1e-9, "row %d", i)
	}

	// caption the enriched dataset
	cc := *c
	cc.Dataset.Name = c.Output.Dir
	cc.Dataset.RenameColumns = false
	cc.Output.Dir = filepath.Join(root, "captioned")
	cs, err := cache.Open(cc.Cache.Path)
	require.NoError(t, err)
	defer cs.Close()

	report, err = NewCaptioner(&cc, logging.Discard(), metrics.New(), loader, cs).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"train": 2}, report.Placeholders)

	captioned, _, err := store.LoadLocal(cc.Output.Dir)
	require.NoError(t, err)
	train, err = captioned.Split("train")
	require.NoError(t, err)
	assert.Equal(t, 5, train.NumRows())
	ann, err := train.Column(AnnotationColumn)
	require.NoError(t, err)
	assert.Equal(t, dataset.Column{"spk0 talks.", "spk1 talks.", "<placeholder>", "spk3 talks.", "<placeholder>"}, ann)

	// the exhausted row was not checkpointed; checkpoints are cleared after saving
	tbl := train.Without(AnnotationColumn)
	cp := NewCaptioner(&cc, logging.Discard(), nil, loader, cs)
	key, err := cp.template.CacheKey("train", tbl, cp.columns)
	require.NoError(t, err)
	prompts, ok, err := cs.Prompts(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, prompts, 5)
	left, err := cs.Resume(ctx, key+"/caption-model")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEnrichWithoutQualityPass(t *testing.T) {
	c := testConfig(t, featureServer(t).URL, "")
	c.Quality.Enabled = false
	c.Dataset.Debug = true
	c.Dataset.DebugRows = 3
	p := NewPipeline(c, logging.Discard(), nil, nil)

	dir := t.TempDir()
	inputDataset(t, dir)
	ds, _, err := store.LoadLocal(dir)
	require.NoError(t, err)

	out, passes, err := p.Enrich(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"train": 3}, out.NumRows())
	assert.Len(t, passes, 3)
	train, _ := out.Split("train")
	for _, col := range []string{"stoi", "si-sdr", "pesq"} {
		assert.False(t, train.Has(col), col)
	}
	assert.True(t, train.Has("speaking_rate"))
}

func TestRunNeedsDestination(t *testing.T) {
	c := testConfig(t, "", "")
	_, err := NewPipeline(c, logging.Discard(), nil, &store.Loader{Log: logging.Discard()}).Run(context.Background())
	require.ErrorIs(t, err, store.ErrNoDestination)
}

func TestCaptionRejectsMissingDescriptor(t *testing.T) {
	c := testConfig(t, "", chatServer(t).URL)
	cs, err := cache.Open(c.Cache.Path)
	require.NoError(t, err)
	defer cs.Close()

	tbl, err := dataset.New([]string{"speaker"}, map[string]dataset.Column{"speaker": {"spk0"}})
	require.NoError(t, err)
	_, _, _, err = NewCaptioner(c, logging.Discard(), nil, nil, cs).Caption(context.Background(), dataset.Single(tbl))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing descriptor")
}

func TestOutputDir(t *testing.T) {
	assert.Equal(t, "speech+annotated", OutputDir("org/speech"))
	assert.Equal(t, "speech+annotated", OutputDir("speech"))
}

func TestCancelledCaptionKeepsFinishedRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req clients.ChatReq
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()
		if n == 4 {
			cancel()
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"content":"row %d"}}]}`, n)
	}))
	t.Cleanup(srv.Close)

	c := testConfig(t, "", srv.URL)
	c.Annotation.Concurrency = 1
	c.Annotation.CheckpointEvery = 10
	c.Annotation.Retry = cfg.Retry{Mode: cfg.RetryFailFast}
	cs, err := cache.Open(c.Cache.Path)
	require.NoError(t, err)
	defer cs.Close()

	dir := t.TempDir()
	inputDataset(t, dir)
	ds, _, err := store.LoadLocal(dir)
	require.NoError(t, err)

	cp := NewCaptioner(c, logging.Discard(), nil, nil, cs)
	_, _, _, err = cp.Caption(ctx, ds)
	require.ErrorIs(t, err, context.Canceled)

	train, err := ds.Split("train")
	require.NoError(t, err)
	key, err := cp.template.CacheKey("train", train, cp.columns)
	require.NoError(t, err)
	saved, err := cs.Resume(context.Background(), key+"/caption-model")
	require.NoError(t, err)
	require.Len(t, saved, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("row %d", i+1), saved[i].Caption)
	}

	// the next run only asks for the rows that never finished
	out, _, _, err := cp.Caption(context.Background(), ds)
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, 6, requests)
	mu.Unlock()
	train, err = out.Split("train")
	require.NoError(t, err)
	ann, err := train.Column(AnnotationColumn)
	require.NoError(t, err)
	assert.Equal(t, dataset.Column{"row 1", "row 2", "row 3", "row 5", "row 6"}, ann)
}
