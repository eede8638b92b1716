package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax, {{.VAR_NAME}}, rather than $-substitution. SQL snippets, regex
// patterns, and passwords in this configuration routinely contain literal $
// characters that must survive expansion untouched.
//
// Examples:
//   - {{.ANTHROPIC_API_KEY}} expands to the variable's value
//   - {{.REDIS_HOST}}:{{.REDIS_PORT}} expands both parts
//   - sensitive_columns: ["ACCT$NO"] is preserved literally
//
// Missing variables expand to the empty string; validation catches required
// fields left empty. Malformed templates pass the original bytes through so
// the YAML parser can produce the clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split on the first = only; values may contain =.
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
