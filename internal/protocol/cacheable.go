package protocol

import "sort"

// Cacheable returns the lexically sorted subset of flags that feed the
// fingerprint: the Other bucket, sorted and deduplicated of ordering
// but not of value (spec.md §4.1 says the fingerprint consumes only
// input + sorted other + compiler identity).
func (f Flags) Cacheable() []string {
	if len(f.Other) == 0 {
		return nil
	}
	sorted := append([]string(nil), f.Other...)
	sort.Strings(sorted)
	return sorted
}

// EligibleForCache reports whether this flag set can be fingerprinted
// and routed through the cache at all, per spec.md §4.4's routing
// rules: only COMPILE actions with a known input source are eligible.
// Help/version queries, link-only invocations, and anything the parser
// could not classify short-circuit to direct local execution.
func (f Flags) EligibleForCache() bool {
	return f.Action == ActionCompile && f.Input != ""
}
