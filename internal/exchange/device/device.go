// Package device condenses a check-in request's user agent into a short
// device description stored with the evidence record.
package device

import (
	"fmt"
	"strings"

	"github.com/mssola/useragent"
)

// Describe returns a compact "Browser version on OS" description, with a
// "mobile" marker when applicable. Empty input yields an empty description.
func Describe(uaString string) string {
	if strings.TrimSpace(uaString) == "" {
		return ""
	}
	ua := useragent.New(uaString)
	name, version := ua.Browser()
	if name == "" {
		return ""
	}
	desc := name
	if version != "" {
		// Major version is enough for evidence; full versions churn weekly.
		desc = fmt.Sprintf("%s %s", name, strings.SplitN(version, ".", 2)[0])
	}
	if os := ua.OS(); os != "" {
		desc = fmt.Sprintf("%s on %s", desc, os)
	}
	if ua.Mobile() {
		desc += " (mobile)"
	}
	return desc
}
