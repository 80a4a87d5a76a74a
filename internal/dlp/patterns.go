package dlp

import "regexp"

// Pattern describes one credential class the inspector scans for.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
	// AlwaysBlock marks a pattern class that must never be excepted (spec.md
	// §4.F: "private keys and equivalents skip the exception check").
	AlwaysBlock bool
}

// DefaultPatterns covers the credential shapes the spec calls out by
// example (AWS access keys) plus the other common secret formats the
// pack's redact/secret-handling code treats as sensitive: generic bearer
// tokens, PEM private key blocks, and GitHub personal access tokens.
var DefaultPatterns = []Pattern{
	{
		Name: "aws_access_key_id",
		Re:   regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	},
	{
		Name: "github_pat",
		Re:   regexp.MustCompile(`ghp_[0-9A-Za-z]{36}`),
	},
	{
		Name: "bearer_token",
		Re:   regexp.MustCompile(`[Bb]earer\s+[A-Za-z0-9\-._~+/]{20,}`),
	},
	{
		Name:        "pem_private_key",
		Re:          regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`),
		AlwaysBlock: true,
	},
}
