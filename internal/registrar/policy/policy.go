// Package policy maps a client's declared user-agent to registration limits.
package policy

import "regexp"

// DefaultMaxExpirySeconds is the registration lifetime granted when no
// user-agent rule matches or no policy is configured.
const DefaultMaxExpirySeconds = 3600

// UserAgentPolicy resolves the maximum registration lifetime allowed for a
// client, keyed on its User-Agent header.
type UserAgentPolicy interface {
	MaxAllowedExpiry(userAgent string) int
}

// Rule binds a user-agent pattern to a maximum expiry.
type Rule struct {
	Pattern   *regexp.Regexp
	MaxExpiry int
}

// Table is an ordered rule list; the first matching rule wins.
type Table struct {
	rules         []Rule
	defaultExpiry int
}

// NewTable builds a policy table. A non-positive defaultExpiry falls back
// to DefaultMaxExpirySeconds.
func NewTable(rules []Rule, defaultExpiry int) *Table {
	if defaultExpiry <= 0 {
		defaultExpiry = DefaultMaxExpirySeconds
	}
	return &Table{rules: rules, defaultExpiry: defaultExpiry}
}

// MaxAllowedExpiry returns the maximum expiry for the given user-agent.
func (t *Table) MaxAllowedExpiry(userAgent string) int {
	if userAgent != "" {
		for _, r := range t.rules {
			if r.Pattern != nil && r.Pattern.MatchString(userAgent) {
				return r.MaxExpiry
			}
		}
	}
	return t.defaultExpiry
}

// Default returns a policy with no rules and the standard default expiry.
func Default() *Table {
	return NewTable(nil, DefaultMaxExpirySeconds)
}
