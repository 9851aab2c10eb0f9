// Package security scrubs credentials out of text before it is chunked and
// stored in the knowledge graph.
package security

import "regexp"

type rule struct {
	name string
	// strictOnly rules produce false positives on prose ("token: the next
	// word") and run only in strict mode.
	strictOnly bool
	re         *regexp.Regexp
}

var rules = []rule{
	{
		name: "api_key",
		re: regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}` +
			`|sk-ant-[0-9A-Za-z_-]{20,}` +
			`|sk-[0-9A-Za-z]{20,}` +
			`|sk_(?:live|test)_[0-9A-Za-z]{20,}` +
			`|gh[pousr]_[0-9A-Za-z]{36,}` +
			`|github_pat_[0-9A-Za-z_]{22,}`),
	},
	{
		name: "aws_credential",
		re:   regexp.MustCompile(`AKIA[0-9A-Z]{16}|(?i)aws[_-]?secret[_-]?access[_-]?key\s*[=:]\s*\S+`),
	},
	{
		name: "private_key",
		re:   regexp.MustCompile(`(?s)-----BEGIN (?:RSA |EC |OPENSSH |)PRIVATE KEY-----.*?(?:-----END (?:RSA |EC |OPENSSH |)PRIVATE KEY-----|$)`),
	},
	{
		name: "jwt",
		re:   regexp.MustCompile(`eyJ[0-9A-Za-z_-]{10,}\.eyJ[0-9A-Za-z_-]{10,}\.[0-9A-Za-z_-]{10,}`),
	},
	{
		name: "database_url",
		re:   regexp.MustCompile(`(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis)://[^\s:/@]+:[^\s@]+@\S+`),
	},
	{
		name:       "secret_assignment",
		strictOnly: true,
		re:         regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api[_-]?key)\s*[=:]\s*[^\s\[]\S*`),
	},
}

// Redactor replaces credentials with "[REDACTED:<kind>]" markers.
type Redactor struct {
	strict bool
}

func NewRedactor(strict bool) *Redactor {
	return &Redactor{strict: strict}
}

// Redact returns text with every match replaced and the kinds that matched,
// in rule order. Specific rules run before the generic assignment rule so a
// key is labelled by what it is.
func (r *Redactor) Redact(text string) (string, []string) {
	var found []string
	for _, rl := range rules {
		if rl.strictOnly && !r.strict {
			continue
		}
		if !rl.re.MatchString(text) {
			continue
		}
		found = append(found, rl.name)
		text = rl.re.ReplaceAllLiteralString(text, "[REDACTED:"+rl.name+"]")
	}
	return text, found
}
