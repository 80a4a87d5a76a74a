package domainmatch_test

import (
	"testing"

	"github.com/odralabshq/polis/internal/domainmatch"
)

func TestAllowed(t *testing.T) {
	allowlist := []string{".api.telegram.org", ".api.slack.com", ".discord.com"}

	cases := []struct {
		host string
		want bool
	}{
		{"evil-slack.com", false},
		{"api.slack.com", true},
		{"slack.com", false}, // not in allowlist at all
		{"x.api.slack.com", true},
		{"api.slack.com.attacker", false},
		{"API.SLACK.COM", true}, // case-insensitive
		{"", false},
		{"discord.com", true},
		{"notdiscord.com", false},
	}

	for _, c := range cases {
		got := domainmatch.Allowed(c.host, allowlist)
		if got != c.want {
			t.Errorf("Allowed(%q, allowlist) = %v, want %v", c.host, got, c.want)
		}
	}
}

func TestAllowed_BareDomainAllowlistEntry(t *testing.T) {
	allowlist := []string{".slack.com"}

	if !domainmatch.Allowed("slack.com", allowlist) {
		t.Error("bare domain matching the dot-prefixed entry should match")
	}
	if !domainmatch.Allowed("api.slack.com", allowlist) {
		t.Error("subdomain should match dot-prefixed entry")
	}
	if domainmatch.Allowed("evil-slack.com", allowlist) {
		t.Error("evil-slack.com must not match .slack.com (CWE-346 class)")
	}
	if domainmatch.Allowed("slack.com.attacker", allowlist) {
		t.Error("slack.com.attacker must not match .slack.com")
	}
}

func TestAllowed_ExactEntryNoLeadingDot(t *testing.T) {
	allowlist := []string{"api.example.com"}

	if !domainmatch.Allowed("api.example.com", allowlist) {
		t.Error("exact host should match bare entry")
	}
	if domainmatch.Allowed("x.api.example.com", allowlist) {
		t.Error("subdomain should not match a bare (non-dot-prefixed) entry")
	}
}
