package debugadapter

import "regexp"

// responseMatcher holds the compiled patterns used to classify daemon
// command responses, following this corpus's precompiled-regex-struct
// idiom for output parsing.
type responseMatcher struct {
	noAP            *regexp.Regexp
	flashUnlockOK   *regexp.Regexp
	programOK       *regexp.Regexp
	resetVerified   *regexp.Regexp
	mdbLine         *regexp.Regexp
}

func newResponseMatcher() *responseMatcher {
	return &responseMatcher{
		noAP:          regexp.MustCompile(`(?i)no ap found|invalid ap`),
		flashUnlockOK: regexp.MustCompile(`(?i)wrote \d+ bytes from file`),
		programOK:     regexp.MustCompile(`\*\* Programming Finished \*\*`),
		resetVerified: regexp.MustCompile(`(?i)target halted due to`),
		mdbLine:       regexp.MustCompile(`^[0-9a-fA-Fx]+:\s+((?:[0-9a-fA-F]{2}\s*)+)$`),
	}
}

func (m *responseMatcher) sawNoAP(resp string) bool {
	return m.noAP.MatchString(resp)
}

// writeSucceeded checks the success pattern for whichever write strategy
// produced resp (§4.6 Flashing).
func (m *responseMatcher) writeSucceeded(resp string) bool {
	return m.flashUnlockOK.MatchString(resp) || m.programOK.MatchString(resp)
}

func (m *responseMatcher) resetWasVerified(resp string) bool {
	return m.resetVerified.MatchString(resp)
}

// extractMdbHex concatenates the hex byte groups out of an mdb response
// matching `^<addr>: <n hex bytes>$`.
func (m *responseMatcher) extractMdbHex(resp string) (string, bool) {
	match := m.mdbLine.FindStringSubmatch(resp)
	if match == nil {
		return "", false
	}
	hex := ""
	for _, b := range []byte(match[1]) {
		if b == ' ' {
			continue
		}
		hex += string(b)
	}
	return hex, true
}
