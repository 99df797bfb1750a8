// Package compliance checks every run of a project against the reference
// protocol of its modality.
package compliance

import (
	"errors"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/mrds/internal/dataset"
)

// ParamEchoTime is the compliance-table parameter recorded for runs whose
// echo time has no reference.
const ParamEchoTime = "EchoTime"

// Summary is the outcome of one Check.
type Summary struct {
	Modalities   int
	Runs         int
	Malformed    int
	Compliant    []string
	NonCompliant []string
	// Inferred lists modalities whose reference was derived from their runs.
	Inferred []string
}

// Checker runs the compliance pass.
type Checker struct {
	logger *log.Logger
}

// New returns a checker. A nil logger discards diagnostics.
func New(logger *log.Logger) *Checker {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Checker{logger: logger}
}

// Check compares every run with its modality's reference, inferring the
// reference by majority vote when none was set. Mismatches land in the
// modality's compliance table; subjects are marked in their modality and
// modalities in the project.
func (c *Checker) Check(p *dataset.Project) (Summary, error) {
	var sum Summary
	for _, mod := range p.Modalities() {
		sum.Modalities++
		if !mod.HasReference() {
			if err := InferReference(mod); err != nil {
				return sum, err
			}
			if mod.HasReference() {
				sum.Inferred = append(sum.Inferred, mod.Name())
			}
		}

		modOK := true
		for _, sub := range mod.Subjects() {
			subOK := true
			for _, sess := range sub.Sessions() {
				for _, run := range sess.Runs() {
					sum.Runs++
					if run.Error {
						sum.Malformed++
						c.logger.Info("skipping malformed run", "modality", mod.Name(), "subject", sub.Name(), "run", run.Name())
						continue
					}
					ok, err := c.checkRun(mod, sub.Name(), run)
					if err != nil {
						return sum, err
					}
					subOK = subOK && ok
				}
			}
			if subOK {
				mod.MarkCompliant(sub.Name())
			} else {
				mod.MarkNonCompliant(sub.Name())
				modOK = false
			}
		}

		if modOK {
			p.MarkCompliant(mod.Name())
			sum.Compliant = append(sum.Compliant, mod.Name())
		} else {
			p.MarkNonCompliant(mod.Name())
			sum.NonCompliant = append(sum.NonCompliant, mod.Name())
		}
	}
	return sum, nil
}

func (c *Checker) checkRun(mod *dataset.Modality, subject string, run *dataset.Run) (bool, error) {
	ref, err := mod.GetReference(dataset.WithEchoTime(run.EchoTime))
	if errors.Is(err, dataset.ErrEchoTimeNotFound) {
		c.logger.Warn("no reference for echo time", "modality", mod.Name(), "subject", subject, "echo_time", run.EchoTime)
		mod.RecordNonCompliance(ParamEchoTime, run.EchoTime, "", formatFloat(run.EchoTime), subject)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ref == nil {
		return true, nil
	}

	ok := true
	for _, name := range unionKeys(ref, run.Params) {
		want, got := ref[name], run.Params[name]
		if want == got {
			continue
		}
		mod.RecordNonCompliance(name, run.EchoTime, want, got, subject)
		ok = false
	}
	return ok, nil
}

// InferReference derives the reference protocol from the runs of mod.
// Malformed runs do not vote, and every vote breaks ties toward the
// candidate seen first.
//
// The echo structure comes first: each run votes with its echo-time set,
// and the winning set decides the reference keys. With a single echo the
// whole modality votes on one parameter set, so a run acquired at another
// echo time is compared against it like any other deviation. With several
// echoes one reference is voted per echo time of the winning set, among
// the runs whose echo time belongs to it.
func InferReference(mod *dataset.Modality) error {
	var runs []*dataset.Run
	for _, sub := range mod.Subjects() {
		for _, sess := range sub.Sessions() {
			for _, run := range sess.Runs() {
				if !run.Error {
					runs = append(runs, run)
				}
			}
		}
	}
	if len(runs) == 0 {
		return nil
	}

	structure := echoStructure(runs)
	if len(structure) == 1 {
		params := majority(runs)
		return mod.SetReference(params, dataset.WithEchoTime(echoTimeOf(runs, params, structure[0])))
	}

	for _, key := range structure {
		var voters []*dataset.Run
		for _, run := range runs {
			if dataset.KeyOf(run.EchoTime) == key {
				voters = append(voters, run)
			}
		}
		if len(voters) == 0 {
			continue
		}
		if err := mod.SetReference(majority(voters), dataset.WithEchoTime(voters[0].EchoTime)); err != nil {
			return err
		}
	}
	return nil
}

// echoStructure returns the echo-time keys shared by most runs, in
// ascending order. A run without an echo set counts as its own echo time.
func echoStructure(runs []*dataset.Run) []dataset.EchoKey {
	type candidate struct {
		keys  []dataset.EchoKey
		votes int
	}
	var cands []*candidate
	for _, run := range runs {
		keys := echoKeys(run)
		found := false
		for _, c := range cands {
			if slices.Equal(c.keys, keys) {
				c.votes++
				found = true
				break
			}
		}
		if !found {
			cands = append(cands, &candidate{keys: keys, votes: 1})
		}
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.votes > best.votes {
			best = c
		}
	}
	return best.keys
}

func echoKeys(run *dataset.Run) []dataset.EchoKey {
	if len(run.EchoTimes) == 0 {
		return []dataset.EchoKey{dataset.KeyOf(run.EchoTime)}
	}
	keys := make([]dataset.EchoKey, 0, len(run.EchoTimes))
	for _, te := range run.EchoTimes {
		if k := dataset.KeyOf(te); !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// majority returns the parameter set carried by most runs.
func majority(runs []*dataset.Run) dataset.Params {
	type candidate struct {
		params dataset.Params
		votes  int
	}
	var cands []*candidate
	for _, run := range runs {
		found := false
		for _, c := range cands {
			if maps.Equal(c.params, run.Params) {
				c.votes++
				found = true
				break
			}
		}
		if !found {
			cands = append(cands, &candidate{params: run.Params, votes: 1})
		}
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.votes > best.votes {
			best = c
		}
	}
	return best.params
}

// echoTimeOf picks the echo time stored with a single-echo reference: that
// of the first run carrying params, else the structure key itself.
func echoTimeOf(runs []*dataset.Run, params dataset.Params, key dataset.EchoKey) float64 {
	for _, run := range runs {
		if maps.Equal(run.Params, params) && dataset.KeyOf(run.EchoTime) == key {
			return run.EchoTime
		}
	}
	return float64(key) / 1000
}

func unionKeys(a, b dataset.Params) []string {
	keys := slices.Collect(maps.Keys(a))
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
