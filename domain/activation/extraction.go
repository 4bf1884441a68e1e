package activation

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// servicePatterns holds a handful of service-specific code patterns tried
// before the general fallback; keyed by lowercased service name.
var servicePatterns = map[string][]*regexp.Regexp{
	"telegram": {regexp.MustCompile(`Telegram code[:\s]+(\d{4,7})`)},
	"whatsapp": {regexp.MustCompile(`WhatsApp code[:\s]+(\d{3}-\d{3})`)},
}

var fallbackPattern = regexp.MustCompile(`\b\d{4,8}\b`)

var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

const maxContentLength = 500

// Sanitize strips control characters and caps length before a message is
// persisted or hashed. Shared by the poller and the provider webhook intake,
// the two entry points an inbound SMS can arrive through.
func Sanitize(content string) string {
	cleaned := controlChars.ReplaceAllString(content, "")
	if len(cleaned) > maxContentLength {
		cleaned = cleaned[:maxContentLength]
	}
	return cleaned
}

// ExtractCode tries serviceName's specific patterns first, then the general
// digit fallback, returning the matched code and a confidence in [0,1].
func ExtractCode(serviceName, content string) (code string, confidence float64) {
	patterns := servicePatterns[strings.ToLower(serviceName)]
	for _, p := range patterns {
		if m := p.FindStringSubmatch(content); len(m) > 1 {
			return m[1], 0.9
		}
	}
	if m := fallbackPattern.FindString(content); m != "" {
		return m, 0.5
	}
	return "", 0
}

// ContentHash fingerprints a sanitized message body for duplicate detection.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
