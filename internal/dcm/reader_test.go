package dcm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/suyashkumar/dicom/pkg/uid"

	"github.com/kokistudios/mrds/internal/resolve"
)

type mapHeader map[tag.Tag]string

func (h mapHeader) value(t tag.Tag) (string, bool) {
	v, ok := h[t]
	return v, ok
}

func baseHeader() mapHeader {
	return mapHeader{
		tag.PatientID:         "sub-01",
		tag.PatientName:       "DOE^JANE",
		tag.StudyInstanceUID:  "1.2.3",
		tag.SeriesInstanceUID: "1.2.3.4",
		tag.SeriesDescription: "ME-EPI",
		tag.Manufacturer:      "SIEMENS",
		tagEchoTime:           "12.50",
		tagEchoNumber:         "2",
		{0x0018, 0x0080}:      "2000.0",
		tagImageType:          `ORIGINAL\PRIMARY\M`,
	}
}

func TestNewSlice(t *testing.T) {
	s, err := newSlice("a.dcm", baseHeader())
	require.NoError(t, err)

	assert.Equal(t, resolve.SessionInfo{SubjectID: "sub-01", SessionID: "1.2.3", RunID: "1.2.3.4"}, s.SessionInfo())
	assert.Equal(t, "ME-EPI", s.SequenceName())

	te, ok := s.EchoTime()
	assert.True(t, ok)
	assert.Equal(t, 12.5, te)
	n, ok := s.EchoNumber()
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	params := s.Params()
	assert.Equal(t, "2000", params["TR"])
	assert.Equal(t, "12.5", params["TE"])
	assert.Equal(t, "SIEMENS", params["Manufacturer"])
	assert.Equal(t, map[string]string{"EchoTime": "12.5", "EchoNumber": "2"}, s.Variant())

	params["TR"] = "1"
	assert.Equal(t, "2000", s.Params()["TR"], "Params returns a copy")
}

func TestNewSlice_Fallbacks(t *testing.T) {
	h := baseHeader()
	delete(h, tag.PatientID)
	delete(h, tag.SeriesDescription)
	h[tagProtocolName] = "t1_mprage"

	s, err := newSlice("a.dcm", h)
	require.NoError(t, err)
	assert.Equal(t, "DOE^JANE", s.SessionInfo().SubjectID)
	assert.Equal(t, "t1_mprage", s.SequenceName())
}

func TestNewSlice_MissingHeader(t *testing.T) {
	h := baseHeader()
	delete(h, tag.SeriesInstanceUID)
	_, err := newSlice("a.dcm", h)
	assert.ErrorIs(t, err, errMissingHeader)
}

func TestInclude(t *testing.T) {
	cases := []struct {
		name   string
		edit   func(mapHeader)
		inc    resolve.Inclusion
		expect bool
	}{
		{"plain", func(mapHeader) {}, resolve.Inclusion{}, true},
		{"phantom subject", func(h mapHeader) { h[tag.PatientName] = "ACR_PHANTOM" }, resolve.Inclusion{}, false},
		{"localizer", func(h mapHeader) { h[tag.SeriesDescription] = "AAHead_Scout" }, resolve.Inclusion{}, false},
		{"localizer included", func(h mapHeader) { h[tag.SeriesDescription] = "localizer" }, resolve.Inclusion{Phantom: true}, true},
		{"moco", func(h mapHeader) { h[tag.SeriesDescription] = "MoCoSeries" }, resolve.Inclusion{}, false},
		{"moco image type", func(h mapHeader) { h[tagImageType] = `ORIGINAL\PRIMARY\M\MOCO` }, resolve.Inclusion{}, false},
		{"sbref", func(h mapHeader) { h[tag.SeriesDescription] = "rest_SBRef" }, resolve.Inclusion{}, false},
		{"sbref included", func(h mapHeader) { h[tag.SeriesDescription] = "rest_SBRef" }, resolve.Inclusion{Sbref: true}, true},
		{"derived", func(h mapHeader) { h[tagImageType] = `DERIVED\PRIMARY` }, resolve.Inclusion{}, false},
		{"derived included", func(h mapHeader) { h[tagImageType] = `DERIVED\PRIMARY` }, resolve.Inclusion{Derived: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := baseHeader()
			tc.edit(h)
			s, err := newSlice("a.dcm", h)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, Classifier.Include(s, tc.inc))
		})
	}
}

func TestIsDicomFile(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.dcm")
	require.NoError(t, os.WriteFile(valid, append(make([]byte, 128), []byte("DICM....")...), 0644))
	short := filepath.Join(dir, "short.dcm")
	require.NoError(t, os.WriteFile(short, []byte("DICM"), 0644))
	text := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, make([]byte, 200), 0644))

	ok, err := IsDicomFile(valid)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsDicomFile(short)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = IsDicomFile(text)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewReader().Read(text)
	assert.ErrorIs(t, err, resolve.ErrNotSlice)
}

func writeDicom(t *testing.T, path string, values map[tag.Tag][]string) {
	t.Helper()
	elems := []*dicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5.6"}),
		mustElement(t, tag.TransferSyntaxUID, []string{uid.ExplicitVRLittleEndian}),
	}
	for _, tg := range []tag.Tag{
		tagImageType, tag.Manufacturer, tag.SeriesDescription, tag.PatientName, tag.PatientID,
		tag.RepetitionTime, tag.EchoTime, tag.EchoNumbers,
		tag.StudyInstanceUID, tag.SeriesInstanceUID,
	} {
		if v, ok := values[tg]; ok {
			elems = append(elems, mustElement(t, tg, v))
		}
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, dicom.Write(f, dicom.Dataset{Elements: elems}))
}

func mustElement(t *testing.T, tg tag.Tag, v []string) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, v)
	require.NoError(t, err)
	return el
}

func TestReader_Read(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IM0001.dcm")
	writeDicom(t, path, map[tag.Tag][]string{
		tagImageType:          {"ORIGINAL", "PRIMARY", "M"},
		tag.Manufacturer:      {"GE"},
		tag.SeriesDescription: {"ME-EPI"},
		tag.PatientName:       {"DOE^JANE"},
		tag.PatientID:         {"sub-01"},
		tag.RepetitionTime:    {"2000.0"},
		tag.EchoTime:          {"2.46"},
		tag.EchoNumbers:       {"1"},
		tag.StudyInstanceUID:  {"1.2.34"},
		tag.SeriesInstanceUID: {"1.2.3.45"},
	})

	got, err := NewReader().Read(path)
	require.NoError(t, err)

	assert.Equal(t, resolve.SessionInfo{SubjectID: "sub-01", SessionID: "1.2.34", RunID: "1.2.3.45"}, got.SessionInfo())
	assert.Equal(t, "ME-EPI", got.SequenceName())

	te, ok := got.EchoTime()
	assert.True(t, ok)
	assert.Equal(t, 2.46, te)
	n, ok := got.EchoNumber()
	assert.True(t, ok)
	assert.Equal(t, 1, n)

	assert.Equal(t, map[string]string{"Manufacturer": "GE", "TE": "2.46", "TR": "2000"}, got.Params())
	assert.False(t, got.(*Slice).IsDerived())
}

func TestReader_Read_MissingSeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IM0002.dcm")
	writeDicom(t, path, map[tag.Tag][]string{
		tag.SeriesDescription: {"T1w"},
		tag.PatientID:         {"sub-02"},
		tag.StudyInstanceUID:  {"1.2.34"},
	})

	_, err := NewReader().Read(path)
	assert.ErrorIs(t, err, errMissingHeader)
}

func TestReader_Read_NotDicom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0644))

	_, err := NewReader().Read(path)
	assert.ErrorIs(t, err, resolve.ErrNotSlice)
}
