package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/speechcaps/dataset"
	"github.com/maastricht-university/speechcaps/logging"
)

// result fakes what the dispatcher returns for ex: the input minus audio plus
// the named columns filled with v.
func result(t *testing.T, ex Extractor, in *dataset.Table, v any, cols ...string) ResultSet {
	t.Helper()
	out := in.Without("audio")
	for _, name := range cols {
		col := make(dataset.Column, in.NumRows())
		for i := range col {
			col[i] = v
		}
		var err error
		out, err = out.AddColumn(name, col)
		require.NoError(t, err)
	}
	return ResultSet{Extractor: ex, Data: dataset.Single(out)}
}

func pitchEx() Extractor { return &PitchExtractor{} }
func snrEx() Extractor   { return &SNRExtractor{} }
func squimEx() Extractor { return &SquimExtractor{} }

func TestMergeLayoutAndProvenance(t *testing.T) {
	in := table(t, 4)
	m := &Merger{AudioColumn: "audio", Log: logging.Discard()}

	merged, err := m.Merge(dataset.Single(in),
		result(t, pitchEx(), in, 120.0, "utterance_pitch_mean", "utterance_pitch_std"),
		result(t, snrEx(), in, 30.0, "snr", "c50", "speech_duration"),
		result(t, squimEx(), in, 0.9, "stoi", "sdr", "pesq"),
	)
	require.NoError(t, err)

	train, err := merged.Split("train")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"audio", "text", "idx",
		"utterance_pitch_mean", "utterance_pitch_std",
		"snr", "c50", "speech_duration",
		"stoi", "si-sdr", "pesq",
	}, train.ColumnNames())
	assert.Equal(t, 4, train.NumRows())

	orig, _ := in.Column("audio")
	got, _ := train.Column("audio")
	assert.Equal(t, orig, got)
}

func TestMergeWithoutQualityPass(t *testing.T) {
	in := table(t, 3)
	m := &Merger{AudioColumn: "audio"}

	merged, err := m.Merge(dataset.Single(in),
		result(t, pitchEx(), in, 120.0, "utterance_pitch_mean", "utterance_pitch_std"),
		result(t, snrEx(), in, 30.0, "snr", "c50"),
	)
	require.NoError(t, err)
	train, _ := merged.Split("train")
	for _, c := range []string{"stoi", "si-sdr", "pesq", "speech_duration"} {
		assert.False(t, train.Has(c), c)
	}
	assert.True(t, train.Has("snr"))
}

func TestMergeRejectsLengthMismatch(t *testing.T) {
	in := table(t, 5)
	short := table(t, 4)
	m := &Merger{AudioColumn: "audio"}

	_, err := m.Merge(dataset.Single(in),
		result(t, pitchEx(), in, 1.0, "utterance_pitch_mean", "utterance_pitch_std"),
		result(t, snrEx(), short, 1.0, "snr", "c50"),
	)
	require.ErrorIs(t, err, dataset.ErrLengthMismatch)

	_, err = m.Merge(dataset.Single(in), result(t, pitchEx(), short, 1.0, "utterance_pitch_mean", "utterance_pitch_std"))
	require.ErrorIs(t, err, dataset.ErrLengthMismatch)
}

func TestMergeRejectsAmbiguousColumn(t *testing.T) {
	in := table(t, 2)
	m := &Merger{AudioColumn: "audio"}
	dup := doubler("dup", CPUOnly)
	dup.outputs = []OutputColumn{{Source: "snr", Name: "snr"}}

	_, err := m.Merge(dataset.Single(in),
		result(t, pitchEx(), in, 1.0, "utterance_pitch_mean", "utterance_pitch_std"),
		result(t, snrEx(), in, 1.0, "snr", "c50"),
		result(t, dup, in, 2.0, "snr"),
	)
	require.ErrorIs(t, err, ErrAmbiguousColumn)

	// an input column colliding with a derived one is ambiguous too
	withText := doubler("txt", CPUOnly)
	withText.outputs = []OutputColumn{{Source: "text", Name: "text"}}
	_, err = m.Merge(dataset.Single(in),
		result(t, pitchEx(), in, 1.0, "utterance_pitch_mean", "utterance_pitch_std"),
		result(t, withText, in.Without("text"), "x", "text"),
	)
	require.ErrorIs(t, err, ErrAmbiguousColumn)
}

func TestMergeMissingSplitAndColumn(t *testing.T) {
	in := table(t, 2)
	orig := dataset.NewDict()
	orig.Set("train", in)
	orig.Set("test", in)
	m := &Merger{AudioColumn: "audio"}

	_, err := m.Merge(orig, result(t, pitchEx(), in, 1.0, "utterance_pitch_mean", "utterance_pitch_std"))
	require.ErrorIs(t, err, dataset.ErrMissingSplit)

	_, err = m.Merge(dataset.Single(in),
		result(t, pitchEx(), in, 1.0, "utterance_pitch_mean", "utterance_pitch_std"),
		result(t, snrEx(), in, 1.0, "snr"),
	)
	require.ErrorIs(t, err, ErrMissingColumn)
}
