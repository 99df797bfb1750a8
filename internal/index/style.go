package index

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kokistudios/mrds/internal/dcm"
	"github.com/kokistudios/mrds/internal/resolve"
)

var ErrUnknownStyle = errors.New("unknown dataset style")

// Format is the pair of external collaborators a dataset style plugs into
// the resolver.
type Format struct {
	Reader     resolve.Reader
	Classifier resolve.Classifier
}

// Lookup returns the format registered for style. An empty style selects
// DICOM.
func Lookup(style string) (Format, error) {
	switch strings.ToLower(style) {
	case "", dcm.Style:
		return Format{Reader: dcm.NewReader(), Classifier: dcm.Classifier}, nil
	default:
		return Format{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownStyle, style, strings.Join(Styles(), ", "))
	}
}

// Styles lists the registered style tags.
func Styles() []string {
	return []string{dcm.Style}
}
