package dcm

import (
	"strings"

	"github.com/kokistudios/mrds/internal/resolve"
)

var (
	phantomSubjects = []string{"phantom", "acr"}
	phantomSeries   = []string{"localizer", "localiser", "scout", "aahead"}
)

// Include classifies a slice against the inclusion flags. Phantom and
// localizer, motion-corrected, single-band reference and derived series
// are dropped unless their flag is set. Slices of other formats are kept.
func Include(s resolve.Slice, inc resolve.Inclusion) bool {
	sl, ok := s.(*Slice)
	if !ok {
		return true
	}
	if !inc.Phantom && sl.IsPhantom() {
		return false
	}
	if !inc.Moco && sl.IsMoco() {
		return false
	}
	if !inc.Sbref && sl.IsSbref() {
		return false
	}
	if !inc.Derived && sl.IsDerived() {
		return false
	}
	return true
}

// Classifier is Include as a resolve.Classifier.
var Classifier = resolve.ClassifierFunc(Include)

func (s *Slice) IsPhantom() bool {
	subject := strings.ToLower(s.info.SubjectID + " " + s.patientName)
	return containsAny(subject, phantomSubjects) || containsAny(strings.ToLower(s.series), phantomSeries)
}

func (s *Slice) IsMoco() bool {
	return strings.Contains(strings.ToLower(s.series), "moco") || hasImageType(s.imageType, "MOCO")
}

func (s *Slice) IsSbref() bool {
	return strings.Contains(strings.ToLower(s.series), "sbref")
}

func (s *Slice) IsDerived() bool {
	return hasImageType(s.imageType, "DERIVED")
}

func hasImageType(imageType, value string) bool {
	for _, part := range strings.Split(imageType, `\`) {
		if strings.EqualFold(strings.TrimSpace(part), value) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
