package policy

import "regexp"

// Caller transcripts mix typed and spoken PII: addresses read back by the
// model, caller-ID numbers, card numbers spoken digit by digit, and keyed
// DTMF entries. Rules run in order with card and DTMF before phone so long
// digit runs are not consumed as phone fragments.
var redactionRules = []struct {
	pattern *regexp.Regexp
	marker  string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b\d[\d*#]{2,}#`), "[REDACTED_DTMF]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
	{regexp.MustCompile(`(?i)\b(?:pin|passcode|access code)\b[:is ]*\d{4,8}\b`), "[REDACTED_PIN]"},
}

// RedactPII masks caller PII in a transcript before it reaches the record
// store.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
