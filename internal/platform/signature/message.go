package signature

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MessageV1 is the first canonical consent message template. It is the exact
// string wallet clients sign with personal_sign, so it must never change in
// place; a new template gets a new version.
const MessageV1 = "consent-msg-v1"

// CurrentMessageVersion is the version new clients should sign.
const CurrentMessageVersion = MessageV1

// ErrUnknownMessageVersion is returned for a version with no registered template.
var ErrUnknownMessageVersion = errors.New("unknown canonical message version")

var templates = map[string]func(purpose, patientID string) string{
	MessageV1: func(purpose, patientID string) string {
		return fmt.Sprintf("I consent to: %s for patient: %s", purpose, patientID)
	},
}

// CanonicalMessage renders the message a wallet signs for (purpose, patientID)
// under the given template version. An empty version means the current one.
func CanonicalMessage(version, purpose, patientID string) (string, error) {
	if strings.TrimSpace(version) == "" {
		version = CurrentMessageVersion
	}
	tmpl, ok := templates[version]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMessageVersion, version)
	}
	return tmpl(purpose, patientID), nil
}

// MessageVersions lists the registered template versions in sorted order.
func MessageVersions() []string {
	out := make([]string, 0, len(templates))
	for v := range templates {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
