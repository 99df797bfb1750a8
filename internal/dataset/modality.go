package dataset

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

var (
	ErrEchoTimeRequired  = errors.New("echo time required")
	ErrNoReference       = errors.New("reference not set")
	ErrAmbiguousEchoTime = errors.New("echo time not specified for multi-echo modality")
	ErrEchoTimeNotFound  = errors.New("echo time absent")
	ErrUnknownField      = errors.New("unknown compliance field")
)

// DefaultEchoTime is used when a reference is forced without an echo time.
const DefaultEchoTime = 1.0

// EchoKey is an echo time quantized to thousandths of its unit, so that
// values such as 2.46 and 2.4600000001 address the same reference.
type EchoKey int64

func KeyOf(echoTime float64) EchoKey {
	return EchoKey(math.Round(echoTime * 1000))
}

// Compliance table columns.
const (
	FieldParameter      = "parameter"
	FieldEchoTime       = "echo_time"
	FieldReferenceValue = "reference_value"
	FieldObservedValue  = "observed_value"
	FieldSubject        = "subject"
)

var complianceFields = []string{
	FieldParameter, FieldEchoTime, FieldReferenceValue, FieldObservedValue, FieldSubject,
}

// ComplianceRecord is one row of a modality's non-compliance table.
type ComplianceRecord struct {
	Parameter      string
	EchoTime       float64
	ReferenceValue string
	ObservedValue  string
	Subject        string
}

func (r ComplianceRecord) field(name string) string {
	switch name {
	case FieldParameter:
		return r.Parameter
	case FieldEchoTime:
		return formatEcho(r.EchoTime)
	case FieldReferenceValue:
		return r.ReferenceValue
	case FieldObservedValue:
		return r.ObservedValue
	default:
		return r.Subject
	}
}

type reference struct {
	echoTime float64
	params   Params
}

// Modality groups the acquisitions of one sequence type (e.g. "T1",
// "DTI-RL") and tracks their reference protocols and non-compliance.
type Modality struct {
	Node

	refs     map[EchoKey]reference
	refOrder []EchoKey
	table    []ComplianceRecord
	logger   *log.Logger
}

func NewModality(name string) *Modality {
	return &Modality{
		Node: newNode(name, KindModality, KindSubject),
		refs: make(map[EchoKey]reference),
	}
}

func (m *Modality) AddSubject(s *Subject) error { return m.Add(s) }

func (m *Modality) Subject(name string) *Subject {
	s, _ := m.Get(name).(*Subject)
	return s
}

func (m *Modality) Subjects() []*Subject { return childrenOf[*Subject](&m.Node) }

// SetLogger sets the sink for reference warnings.
func (m *Modality) SetLogger(l *log.Logger) { m.logger = l }

func (m *Modality) log() *log.Logger {
	if m.logger == nil {
		m.logger = log.New(io.Discard)
	}
	return m.logger
}

// ReferenceOption qualifies reference and compliance queries.
type ReferenceOption func(*referenceQuery)

type referenceQuery struct {
	echoTime    float64
	hasEchoTime bool
	force       bool
}

// WithEchoTime selects the reference for one echo time.
func WithEchoTime(te float64) ReferenceOption {
	return func(q *referenceQuery) {
		q.echoTime = te
		q.hasEchoTime = true
	}
}

// WithForce lets SetReference store a reference without an echo time,
// under DefaultEchoTime.
func WithForce() ReferenceOption {
	return func(q *referenceQuery) { q.force = true }
}

func buildQuery(opts []ReferenceOption) referenceQuery {
	var q referenceQuery
	for _, o := range opts {
		o(&q)
	}
	return q
}

// SetReference stores a copy of params as the reference protocol for an
// echo time. The echo time is mandatory unless WithForce is given.
func (m *Modality) SetReference(params Params, opts ...ReferenceOption) error {
	q := buildQuery(opts)
	if !q.hasEchoTime {
		if !q.force {
			return fmt.Errorf("%w: modality %s may be multi-echo; pass an echo time or force a single reference", ErrEchoTimeRequired, m.name)
		}
		m.log().Warn("using default echo time for reference", "modality", m.name, "echo_time", DefaultEchoTime)
		q.echoTime = DefaultEchoTime
	}
	key := KeyOf(q.echoTime)
	if _, ok := m.refs[key]; !ok {
		m.refOrder = append(m.refOrder, key)
	}
	m.refs[key] = reference{echoTime: q.echoTime, params: params.Clone()}
	return nil
}

// GetReference returns the reference protocol, or nil when none was set.
// A multi-echo modality needs WithEchoTime; a single-echo modality ignores it.
func (m *Modality) GetReference(opts ...ReferenceOption) (Params, error) {
	if len(m.refs) == 0 {
		return nil, nil
	}
	if len(m.refs) == 1 {
		return m.refs[m.refOrder[0]].params.Clone(), nil
	}
	q := buildQuery(opts)
	if !q.hasEchoTime {
		return nil, fmt.Errorf("%w: use one of %s", ErrAmbiguousEchoTime, m.echoList())
	}
	ref, ok := m.refs[KeyOf(q.echoTime)]
	if !ok {
		return nil, fmt.Errorf("%w: %s, try one of %s", ErrEchoTimeNotFound, formatEcho(q.echoTime), m.echoList())
	}
	return ref.params.Clone(), nil
}

// EchoTimes lists the echo times that have a reference, in the order they
// were first set.
func (m *Modality) EchoTimes() []float64 {
	out := make([]float64, 0, len(m.refOrder))
	for _, k := range m.refOrder {
		out = append(out, m.refs[k].echoTime)
	}
	return out
}

func (m *Modality) HasReference() bool { return len(m.refs) > 0 }

// IsMultiEcho reports whether more than one reference is stored.
func (m *Modality) IsMultiEcho() (bool, error) {
	if len(m.refs) == 0 {
		return false, fmt.Errorf("%w for modality %s; use SetReference first", ErrNoReference, m.name)
	}
	return len(m.refs) > 1, nil
}

// RecordNonCompliance appends a row unless an identical one exists.
func (m *Modality) RecordNonCompliance(parameter string, echoTime float64, referenceValue, observedValue, subject string) {
	rec := ComplianceRecord{
		Parameter:      parameter,
		EchoTime:       echoTime,
		ReferenceValue: referenceValue,
		ObservedValue:  observedValue,
		Subject:        subject,
	}
	if slices.Contains(m.table, rec) {
		return
	}
	m.table = append(m.table, rec)
}

// ComplianceRecords returns a copy of the non-compliance table.
func (m *Modality) ComplianceRecords() []ComplianceRecord {
	return slices.Clone(m.table)
}

// ReasonsNonCompliance lists the distinct non-compliant parameters,
// optionally restricted to one echo time.
func (m *Modality) ReasonsNonCompliance(opts ...ReferenceOption) []string {
	q := buildQuery(opts)
	var out []string
	for _, rec := range m.table {
		if q.hasEchoTime && KeyOf(rec.EchoTime) != KeyOf(q.echoTime) {
			continue
		}
		if !slices.Contains(out, rec.Parameter) {
			out = append(out, rec.Parameter)
		}
	}
	return out
}

// QueryReason returns the distinct values of field over the rows matching
// parameter and echoTime.
func (m *Modality) QueryReason(parameter string, echoTime float64, field string) ([]string, error) {
	if !slices.Contains(complianceFields, field) {
		return nil, fmt.Errorf("%w: expected one of %v, got %q", ErrUnknownField, complianceFields, field)
	}
	var out []string
	for _, rec := range m.table {
		if rec.Parameter != parameter || KeyOf(rec.EchoTime) != KeyOf(echoTime) {
			continue
		}
		v := rec.field(field)
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Modality) echoList() string {
	parts := make([]string, 0, len(m.refOrder))
	for _, te := range m.EchoTimes() {
		parts = append(parts, formatEcho(te))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatEcho(te float64) string {
	return strconv.FormatFloat(te, 'g', -1, 64)
}
