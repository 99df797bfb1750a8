// Package report renders a dataset and its compliance state as Markdown.
package report

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/kokistudios/mrds/internal/dataset"
)

// Markdown summarizes p: one row per modality, then the non-compliant
// parameters of each modality grouped by echo time.
func Markdown(p *dataset.Project) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", p.Name())
	fmt.Fprintf(&b, "- **Style:** %s\n", p.Style)
	if p.IsComplete {
		b.WriteString("- **Dataset:** complete\n")
	} else {
		b.WriteString("- **Dataset:** partial\n")
	}
	for _, root := range p.DataRoot {
		fmt.Fprintf(&b, "- **Data root:** `%s`\n", root)
	}
	b.WriteString("\n")

	if p.Len() == 0 {
		b.WriteString("_No modalities indexed._\n")
		return b.String(), nil
	}

	b.WriteString("| Modality | Subjects | Runs | Echo times | Status |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, mod := range p.Modalities() {
		fmt.Fprintf(&b, "| %s | %d | %d | %s | %s |\n",
			escape(mod.Name()), mod.Len(), runCount(mod), echoTimes(mod), status(p, mod))
	}

	for _, mod := range p.Modalities() {
		records := mod.ComplianceRecords()
		if len(records) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", escape(mod.Name()))
		if names := mod.NonCompliantNames(); len(names) > 0 {
			fmt.Fprintf(&b, "Non-compliant subjects: %s\n\n", strings.Join(names, ", "))
		}

		var seen []dataset.EchoKey
		for _, rec := range records {
			key := dataset.KeyOf(rec.EchoTime)
			if slices.Contains(seen, key) {
				continue
			}
			seen = append(seen, key)

			te := rec.EchoTime
			fmt.Fprintf(&b, "### Echo time %s\n\n", formatFloat(te))
			b.WriteString("| Parameter | Reference | Observed | Subjects |\n")
			b.WriteString("|---|---|---|---|\n")
			for _, param := range mod.ReasonsNonCompliance(dataset.WithEchoTime(te)) {
				ref, err := mod.QueryReason(param, te, dataset.FieldReferenceValue)
				if err != nil {
					return "", err
				}
				observed, err := mod.QueryReason(param, te, dataset.FieldObservedValue)
				if err != nil {
					return "", err
				}
				subjects, err := mod.QueryReason(param, te, dataset.FieldSubject)
				if err != nil {
					return "", err
				}
				fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
					escape(param), cell(ref), cell(observed), cell(subjects))
			}
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func status(p *dataset.Project, mod *dataset.Modality) string {
	switch {
	case slices.Contains(p.NonCompliantNames(), mod.Name()):
		return "non-compliant"
	case slices.Contains(p.CompliantNames(), mod.Name()):
		return "compliant"
	default:
		return "unchecked"
	}
}

func runCount(mod *dataset.Modality) int {
	n := 0
	for _, sub := range mod.Subjects() {
		for _, sess := range sub.Sessions() {
			n += sess.Len()
		}
	}
	return n
}

func echoTimes(mod *dataset.Modality) string {
	tes := mod.EchoTimes()
	if len(tes) == 0 {
		return "-"
	}
	parts := make([]string, len(tes))
	for i, te := range tes {
		parts[i] = formatFloat(te)
	}
	return strings.Join(parts, ", ")
}

func cell(values []string) string {
	for i, v := range values {
		if v == "" {
			v = "_absent_"
		}
		values[i] = escape(v)
	}
	return strings.Join(values, ", ")
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
