// Package dcm reads per-slice DICOM headers into resolve.Slice records.
package dcm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/kokistudios/mrds/internal/resolve"
)

// Style is the registry tag of this format.
const Style = "dicom"

var errMissingHeader = errors.New("required header absent")

var (
	tagImageType    = tag.Tag{Group: 0x0008, Element: 0x0008}
	tagProtocolName = tag.Tag{Group: 0x0018, Element: 0x1030}
	tagEchoTime     = tag.Tag{Group: 0x0018, Element: 0x0081}
	tagEchoNumber   = tag.Tag{Group: 0x0018, Element: 0x0086}
)

type paramTag struct {
	name    string
	tag     tag.Tag
	numeric bool
}

// paramTags is the acquisition protocol recorded for every run.
var paramTags = []paramTag{
	{"Manufacturer", tag.Manufacturer, false},
	{"Organ", tag.Tag{Group: 0x0018, Element: 0x0015}, false},
	{"TE", tagEchoTime, true},
	{"TR", tag.Tag{Group: 0x0018, Element: 0x0080}, true},
	{"B0", tag.Tag{Group: 0x0018, Element: 0x0087}, true},
	{"FlipAngle", tag.Tag{Group: 0x0018, Element: 0x1314}, true},
	{"BWPx", tag.Tag{Group: 0x0018, Element: 0x0095}, true},
	{"ETL", tag.Tag{Group: 0x0018, Element: 0x0091}, true},
	{"Comments", tag.Tag{Group: 0x0020, Element: 0x4000}, false},
	{"ScanningSequence", tag.Tag{Group: 0x0018, Element: 0x0020}, false},
	{"SequenceVariant", tag.Tag{Group: 0x0018, Element: 0x0021}, false},
	{"MRAcquisitionType", tag.Tag{Group: 0x0018, Element: 0x0023}, false},
	{"PhaseEncodingLines", tag.Tag{Group: 0x0018, Element: 0x0089}, true},
	{"PedDCM", tag.Tag{Group: 0x0018, Element: 0x1312}, false},
}

// header is the read-only view of a parsed file used to build a Slice.
type header interface {
	value(t tag.Tag) (string, bool)
}

type datasetHeader struct {
	ds *dicom.Dataset
}

func (h datasetHeader) value(t tag.Tag) (string, bool) {
	el, err := h.ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return "", false
	}
	var parts []string
	switch el.Value.ValueType() {
	case dicom.Strings:
		parts, _ = el.Value.GetValue().([]string)
	case dicom.Ints:
		ints, _ := el.Value.GetValue().([]int)
		for _, v := range ints {
			parts = append(parts, strconv.Itoa(v))
		}
	case dicom.Floats:
		floats, _ := el.Value.GetValue().([]float64)
		for _, v := range floats {
			parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
		}
	default:
		return "", false
	}
	s := strings.TrimSpace(strings.Join(parts, `\`))
	return s, s != ""
}

// Reader decodes DICOM files. It never loads pixel data.
type Reader struct{}

func NewReader() *Reader { return &Reader{} }

// Read returns resolve.ErrNotSlice for files without the DICOM preamble.
func (r *Reader) Read(path string) (resolve.Slice, error) {
	ok, err := IsDicomFile(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, resolve.ErrNotSlice
	}
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return newSlice(path, datasetHeader{ds: &ds})
}

var magic = []byte("DICM")

// IsDicomFile checks for the 128-byte preamble followed by "DICM".
func IsDicomFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 132)
	if _, err := io.ReadFull(f, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(buf[128:], magic), nil
}

// Slice is the header of one DICOM file.
type Slice struct {
	Path string

	info     resolve.SessionInfo
	sequence string
	params   map[string]string

	patientName string
	series      string
	imageType   string

	echoTime      float64
	hasEchoTime   bool
	echoNumber    int
	hasEchoNumber bool
}

func newSlice(path string, h header) (*Slice, error) {
	s := &Slice{Path: path, params: make(map[string]string)}

	subject, ok := h.value(tag.PatientID)
	if !ok {
		subject, ok = h.value(tag.PatientName)
	}
	if !ok {
		return nil, fmt.Errorf("%w: patient in %s", errMissingHeader, path)
	}
	study, ok := h.value(tag.StudyInstanceUID)
	if !ok {
		return nil, fmt.Errorf("%w: study instance uid in %s", errMissingHeader, path)
	}
	series, ok := h.value(tag.SeriesInstanceUID)
	if !ok {
		return nil, fmt.Errorf("%w: series instance uid in %s", errMissingHeader, path)
	}
	s.info = resolve.SessionInfo{SubjectID: subject, SessionID: study, RunID: series}

	s.patientName, _ = h.value(tag.PatientName)
	s.series, _ = h.value(tag.SeriesDescription)
	s.imageType, _ = h.value(tagImageType)

	for _, t := range []tag.Tag{tag.SeriesDescription, tagProtocolName, tag.SequenceName} {
		if v, ok := h.value(t); ok {
			s.sequence = v
			break
		}
	}
	if s.sequence == "" {
		return nil, fmt.Errorf("%w: series description in %s", errMissingHeader, path)
	}

	for _, p := range paramTags {
		v, ok := h.value(p.tag)
		if !ok {
			continue
		}
		if p.numeric {
			v = normalizeNumber(v)
		}
		s.params[p.name] = v
	}

	if v, ok := h.value(tagEchoTime); ok {
		if te, err := strconv.ParseFloat(firstValue(v), 64); err == nil {
			s.echoTime, s.hasEchoTime = te, true
		}
	}
	if v, ok := h.value(tagEchoNumber); ok {
		if n, err := strconv.Atoi(firstValue(v)); err == nil {
			s.echoNumber, s.hasEchoNumber = n, true
		}
	}
	return s, nil
}

func (s *Slice) SessionInfo() resolve.SessionInfo { return s.info }
func (s *Slice) SequenceName() string             { return s.sequence }
func (s *Slice) EchoTime() (float64, bool)        { return s.echoTime, s.hasEchoTime }
func (s *Slice) EchoNumber() (int, bool)          { return s.echoNumber, s.hasEchoNumber }

// Params returns a copy of the acquisition parameters.
func (s *Slice) Params() map[string]string {
	out := make(map[string]string, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

func (s *Slice) Variant() map[string]string {
	v := make(map[string]string, 2)
	if s.hasEchoTime {
		v["EchoTime"] = strconv.FormatFloat(s.echoTime, 'g', -1, 64)
	}
	if s.hasEchoNumber {
		v["EchoNumber"] = strconv.Itoa(s.echoNumber)
	}
	return v
}

func firstValue(v string) string {
	if i := strings.IndexByte(v, '\\'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// normalizeNumber rewrites decimal strings so "2000", "2000.0" and
// " 2000.00" compare equal. Multi-valued and non-numeric input is kept.
func normalizeNumber(v string) string {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return v
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
