package redact

import (
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
)

var (
	secretHeaderRe = regexp.MustCompile(`(?i)(x-inference-secret\s*[:=]\s*)(\S+)`)
	secretFieldRe  = regexp.MustCompile(`(?i)(inference[_-]?secret\s*[:=]\s*)(\S+)`)
	bearerRe       = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	tokenishRe     = regexp.MustCompile(`(?i)((?:key|token|secret)\s*[:=]\s*)([A-Za-z0-9._\-+/=]{6,})`)
	urlRe          = regexp.MustCompile(`https?://[^\s"'<>]+`)
)

// String redacts known secret patterns from free-form strings.
func String(s string) string {
	if s == "" {
		return s
	}

	out := s
	out = secretHeaderRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = secretFieldRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = bearerRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = tokenishRe.ReplaceAllStringFunc(out, func(m string) string {
		if strings.Contains(m, "[REDACTED]") {
			return m
		}
		parts := tokenishRe.FindStringSubmatch(m)
		if len(parts) < 3 {
			return m
		}
		return parts[1] + "[REDACTED]"
	})
	out = urlRe.ReplaceAllStringFunc(out, stripURLCredentials)
	return out
}

// Any formats the value with %+v and redacts secrets.
func Any(v any) string {
	return String(fmt.Sprintf("%+v", v))
}

// Sprintf formats like fmt.Sprintf and redacts the result.
func Sprintf(format string, args ...interface{}) string {
	return String(fmt.Sprintf(format, args...))
}

// Logf prints a redacted log line.
func Logf(format string, args ...interface{}) {
	log.Print(Sprintf(format, args...))
}

func stripURLCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User == nil && u.RawQuery == "" {
		return raw
	}
	if u.User != nil {
		u.User = url.User("REDACTED")
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			lower := strings.ToLower(k)
			if strings.Contains(lower, "key") || strings.Contains(lower, "token") || strings.Contains(lower, "secret") {
				q.Set(k, "REDACTED")
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
