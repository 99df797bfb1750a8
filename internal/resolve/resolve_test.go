package resolve

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSlice struct {
	info     SessionInfo
	te       float64
	echo     int
	location int
	series   string
}

func (s fakeSlice) SessionInfo() SessionInfo { return s.info }
func (s fakeSlice) SequenceName() string     { return "ME-EPI" }
func (s fakeSlice) EchoTime() (float64, bool) {
	return s.te, s.te != 0
}
func (s fakeSlice) EchoNumber() (int, bool) { return s.echo, s.echo != 0 }

func (s fakeSlice) Params() map[string]string {
	return map[string]string{
		"TE":            strconv.FormatFloat(s.te, 'g', -1, 64),
		"SliceLocation": strconv.Itoa(s.location),
	}
}

func (s fakeSlice) Variant() map[string]string {
	return map[string]string{
		"EchoTime":   strconv.FormatFloat(s.te, 'g', -1, 64),
		"EchoNumber": strconv.Itoa(s.echo),
	}
}

// mapReader serves slices keyed by path; unknown paths are not slices.
type mapReader map[string]Slice

func (m mapReader) Read(path string) (Slice, error) {
	s, ok := m[path]
	if !ok {
		return nil, ErrNotSlice
	}
	return s, nil
}

var sub01 = SessionInfo{SubjectID: "sub-01", SessionID: "ses-1", RunID: "run-1"}

func folderOf(slices ...Slice) (mapReader, []string) {
	r := mapReader{}
	var paths []string
	for i, s := range slices {
		p := fmt.Sprintf("f%04d.dcm", i)
		r[p] = s
		paths = append(paths, p)
	}
	return r, paths
}

func TestResolve_IdenticalVariantsGiveOneRepresentative(t *testing.T) {
	var slices []Slice
	for i := 0; i < 40; i++ {
		slices = append(slices, fakeSlice{info: sub01, te: 30, echo: 1, location: i})
	}
	reader, paths := folderOf(slices...)

	res, err := New(reader, nil, Options{}, nil).Resolve("folder", paths)
	require.NoError(t, err)
	assert.Len(t, res.Representatives, 1)
	assert.Equal(t, []float64{30}, res.EchoTimes)
	assert.Nil(t, res.EchoNumbers)
	assert.Equal(t, slices[0], res.Canonical)
}

func TestResolve_KDistinctVariants(t *testing.T) {
	for _, k := range []int{1, 2, 5, 17, 100} {
		t.Run(strconv.Itoa(k), func(t *testing.T) {
			var slices []Slice
			for loc := 0; loc < 3; loc++ {
				for e := 1; e <= k; e++ {
					slices = append(slices, fakeSlice{info: sub01, te: float64(e) * 2.5, echo: e, location: loc})
				}
			}
			reader, paths := folderOf(slices...)

			res, err := New(reader, nil, Options{}, nil).Resolve("folder", paths)
			require.NoError(t, err)
			assert.Len(t, res.Representatives, k)
			assert.Len(t, res.EchoTimes, k)
		})
	}
}

func TestResolve_ThreeFileScenario(t *testing.T) {
	reader, paths := folderOf(
		fakeSlice{info: sub01, te: 10, echo: 1, location: 1},
		fakeSlice{info: sub01, te: 10, echo: 1, location: 2},
		fakeSlice{info: sub01, te: 25, echo: 2, location: 1},
	)
	res, err := New(reader, nil, Options{}, nil).Resolve("folder", paths)
	require.NoError(t, err)
	assert.Len(t, res.Representatives, 2)
	assert.ElementsMatch(t, []float64{10, 25}, res.EchoTimes)
}

func TestResolve_SessionMismatchExcluded(t *testing.T) {
	other := SessionInfo{SubjectID: "sub-02", SessionID: "ses-1", RunID: "run-1"}
	base := []Slice{
		fakeSlice{info: sub01, te: 10, echo: 1},
		fakeSlice{info: sub01, te: 25, echo: 2},
	}
	intruders := []Slice{
		fakeSlice{info: other, te: 50, echo: 3},
		fakeSlice{info: other, te: 70, echo: 4},
	}

	orders := [][]Slice{
		{base[0], intruders[0], base[1], intruders[1]},
		{base[0], intruders[1], intruders[0], base[1]},
		{base[0], base[1], intruders[0], intruders[1]},
	}
	for i, order := range orders {
		var buf bytes.Buffer
		reader, paths := folderOf(order...)
		res, err := New(reader, nil, Options{}, log.New(&buf)).Resolve("folder", paths)
		require.NoError(t, err, "order %d", i)

		assert.Equal(t, base, res.Representatives, "order %d", i)
		assert.Equal(t, []float64{10, 25}, res.EchoTimes, "order %d", i)
		assert.Equal(t, 2, res.Skipped, "order %d", i)
		assert.Contains(t, buf.String(), "inconsistent session info")
	}
}

func TestResolve_EchoNumbersFirstSeenWins(t *testing.T) {
	reader, paths := folderOf(
		fakeSlice{info: sub01, te: 10, echo: 1},
		fakeSlice{info: sub01, te: 25, echo: 2},
		fakeSlice{info: sub01, te: 11, echo: 1},
		fakeSlice{info: sub01, te: 40, echo: 3},
	)
	res, err := New(reader, nil, Options{UseEchoNumbers: true}, nil).Resolve("folder", paths)
	require.NoError(t, err)
	assert.Len(t, res.Representatives, 4)
	assert.Equal(t, []float64{10, 25, 40}, res.EchoTimes)
	assert.Equal(t, []int{1, 2, 3}, res.EchoNumbers)
}

func TestEchoes_SlicesWithoutEchoTimeSkipped(t *testing.T) {
	reps := []Slice{
		fakeSlice{info: sub01, echo: 1},
		fakeSlice{info: sub01, te: 10, echo: 1},
		fakeSlice{info: sub01, echo: 2},
		fakeSlice{info: sub01, te: 25, echo: 3},
	}
	times, numbers := echoes(reps, true)
	assert.Equal(t, []float64{10, 25}, times)
	assert.Equal(t, []int{1, 3}, numbers)

	times, numbers = echoes(reps, false)
	assert.Equal(t, []float64{10, 25}, times)
	assert.Nil(t, numbers)
}

func TestResolve_ClassifierAndInvalidFiles(t *testing.T) {
	reader, paths := folderOf(
		fakeSlice{info: sub01, te: 10, echo: 1, series: "localizer"},
		fakeSlice{info: sub01, te: 25, echo: 2},
	)
	paths = append([]string{"notes.txt"}, paths...)

	skipLocalizer := ClassifierFunc(func(s Slice, inc Inclusion) bool {
		return inc.Phantom || s.(fakeSlice).series != "localizer"
	})

	res, err := New(reader, skipLocalizer, Options{}, nil).Resolve("folder", paths)
	require.NoError(t, err)
	assert.Equal(t, 25.0, res.Canonical.(fakeSlice).te)
	assert.Equal(t, 2, res.Skipped)

	res, err = New(reader, skipLocalizer, Options{Include: Inclusion{Phantom: true}}, nil).Resolve("folder", paths)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Canonical.(fakeSlice).te)
}

type failingReader struct{}

func (failingReader) Read(path string) (Slice, error) { return nil, errors.New("truncated header") }

func TestResolve_NoValidSlices(t *testing.T) {
	var buf bytes.Buffer
	res, err := New(failingReader{}, nil, Options{}, log.New(&buf)).Resolve("folder", []string{"a", "b"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNoSlices)
	assert.Contains(t, buf.String(), "invalid slice")
}

func TestResolve_TooManyDivergentWarnsOnce(t *testing.T) {
	var slices []Slice
	for e := 1; e <= 8; e++ {
		slices = append(slices, fakeSlice{info: sub01, te: float64(e), echo: e})
	}
	reader, paths := folderOf(slices...)

	var buf bytes.Buffer
	res, err := New(reader, nil, Options{MaxDivergent: 3}, log.New(&buf)).Resolve("folder", paths)
	require.NoError(t, err)
	assert.Len(t, res.Representatives, 8, "processing continues past the limit")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("too many slices")))
}

func TestResolveFolder_LexicographicOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.dcm", "a.dcm", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "z.dcm"), 0755))

	reader := mapReader{
		filepath.Join(dir, "a.dcm"): fakeSlice{info: sub01, te: 10, echo: 1},
		filepath.Join(dir, "b.dcm"): fakeSlice{info: sub01, te: 25, echo: 2},
	}
	res, err := New(reader, nil, Options{Pattern: "*.dcm"}, nil).ResolveFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Canonical.(fakeSlice).te)
	assert.Equal(t, []float64{10, 25}, res.EchoTimes)
	assert.Equal(t, 0, res.Skipped)
}
