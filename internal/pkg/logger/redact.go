package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactAddressList masks every address in a raw header value such as
// "Ann <ann@example.com>, bob@example.com". Display names and angle
// brackets are left untouched so log lines stay readable.
func RedactAddressList(header string) string {
	if !strings.Contains(header, "@") {
		return header
	}
	return emailRegex.ReplaceAllStringFunc(header, RedactEmail)
}
