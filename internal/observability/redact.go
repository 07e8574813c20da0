package observability

import (
	"net/url"
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

// Redactor masks credentials and member contact details in log output.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.=]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`(?i)Authorization:\s*[^\s]+`, "Authorization: [REDACTED]", "auth_header")
	r.AddPattern(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]", "email")

	// Card numbers before phones so a 16 digit run is not half eaten as a phone.
	r.AddPattern(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`, "[REDACTED_CARD]", "credit_card")
	r.AddPattern(`\+?[0-9]{1,3}[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`, "[REDACTED_PHONE]", "phone")
}

// AddPattern adds a redaction pattern. Invalid patterns are skipped.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies every pattern to input.
func (r *Redactor) Redact(input string) string {
	if r == nil {
		return input
	}
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// RedactURL masks user info and sensitive query parameters and applies the
// patterns to the remaining query values and path.
func (r *Redactor) RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return r.Redact(raw)
	}
	if u.User != nil {
		u.User = url.User(redactedValue)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k, vals := range q {
			if isSensitiveKey(k) {
				q.Set(k, redactedValue)
				continue
			}
			for i, v := range vals {
				vals[i] = r.Redact(v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return r.Redact(u.String())
}

// RedactHeaders returns a copy of headers with sensitive values masked.
func (r *Redactor) RedactHeaders(headers map[string]string) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if isSensitiveHeader(k) || isSensitiveKey(k) {
			result[k] = redactedValue
			continue
		}
		result[k] = r.Redact(v)
	}
	return result
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "proxy-authorization", "cookie", "set-cookie", "x-api-key", "x-auth-token":
		return true
	}
	return false
}

func isSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sk := range []string{"token", "secret", "password", "credential", "api_key", "apikey"} {
		if strings.Contains(lowerKey, sk) {
			return true
		}
	}
	return false
}
