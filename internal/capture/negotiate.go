package capture

import (
	"strings"

	"github.com/breeze-rmm/bioauth/internal/bioerr"
)

// Negotiate returns the first encoding in prefs that caps supports.
// DefaultEncoding is always supported, since it defers the choice to the
// runtime. Negotiate has no side effects; when nothing matches it returns an
// UnsupportedFormat error naming every candidate that was tried.
func Negotiate(caps Capabilities, prefs []Encoding) (Encoding, error) {
	for _, enc := range prefs {
		if enc == DefaultEncoding || (caps != nil && caps.Supports(enc)) {
			return enc, nil
		}
	}

	tried := make([]string, len(prefs))
	for i, enc := range prefs {
		tried[i] = enc.String()
	}
	if len(tried) == 0 {
		return "", bioerr.New(bioerr.KindUnsupportedFormat, "capture.Negotiate", "no audio encodings requested")
	}
	return "", bioerr.Newf(bioerr.KindUnsupportedFormat, "capture.Negotiate",
		"no supported audio encoding among [%s]", strings.Join(tried, ", "))
}

// ParseEncodings converts configured MIME strings into a preference list.
func ParseEncodings(values []string) []Encoding {
	out := make([]Encoding, len(values))
	for i, v := range values {
		out[i] = Encoding(strings.TrimSpace(v))
	}
	return out
}
