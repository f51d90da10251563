// Package router implements pure model-to-connection routing. Route is a
// stateless function of its inputs so it is safe to call concurrently from
// any number of in-flight requests; it makes no provider calls and holds
// no state of its own.
package router

import (
	"sort"
	"strings"
	"time"
)

// Connection is the routing-relevant view of a configured upstream
// connection. The full persisted record lives in package store; callers
// project it down to this shape before calling Route.
type Connection struct {
	ID        int64
	Family    string // "openai", "anthropic", "local", or a custom service key
	Enabled   bool
	IsDefault bool
	UpdatedAt time.Time
}

// FallbackRule is one entry of the FALLBACK_RULES configuration: when the
// primary family is Src, try a connection of family Dst next.
type FallbackRule struct {
	Src string
	Dst string
}

// Chain is the ordered list of connections the retry/fallback executor
// should try, primary first.
type Chain []Connection

// DefaultFamilyPrefixes is the built-in model-name-to-family prefix map.
// ROUTING_RULES configuration overrides or extends it.
var DefaultFamilyPrefixes = map[string]string{
	"gpt-":   "openai",
	"o1-":    "openai",
	"claude": "anthropic",
}

// FamilyForModel determines the provider family for a model name using the
// given prefix map (falling back to DefaultFamilyPrefixes entries not
// overridden). A model name matching no prefix, or the literal alias
// "local", resolves to "local".
func FamilyForModel(model string, prefixes map[string]string) string {
	if model == "local" {
		return "local"
	}
	merged := make(map[string]string, len(DefaultFamilyPrefixes)+len(prefixes))
	for k, v := range DefaultFamilyPrefixes {
		merged[k] = v
	}
	for k, v := range prefixes {
		merged[k] = v
	}
	for prefix, family := range merged {
		if strings.HasPrefix(model, prefix) {
			return family
		}
	}
	return "local"
}

// Route computes the ordered provider chain for a model name given the
// caller's configured connections and fallback rules. Returns an empty
// chain if no enabled connection exists for the primary family.
func Route(model string, connections []Connection, fallbackRules []FallbackRule, prefixes map[string]string) Chain {
	family := FamilyForModel(model, prefixes)

	primary, ok := bestConnection(connections, family, nil)
	if !ok {
		return Chain{}
	}

	chain := Chain{primary}
	used := map[int64]bool{primary.ID: true}

	for _, rule := range fallbackRules {
		if rule.Src != family {
			continue
		}
		if fb, ok := bestConnection(connections, rule.Dst, used); ok {
			chain = append(chain, fb)
			used[fb.ID] = true
		}
	}
	return chain
}

// bestConnection selects the highest-priority enabled connection of the
// given family, skipping any ID already present in exclude. Priority order:
// explicit default flag, then most-recently-updated, then lowest ID.
func bestConnection(connections []Connection, family string, exclude map[int64]bool) (Connection, bool) {
	var candidates []Connection
	for _, c := range connections {
		if !c.Enabled || c.Family != family {
			continue
		}
		if exclude != nil && exclude[c.ID] {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return Connection{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.IsDefault != b.IsDefault {
			return a.IsDefault
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

// ParseFallbackRules parses the FALLBACK_RULES configuration string, a
// comma-separated list of "src:dst" pairs (e.g. "openai:local,anthropic:local").
func ParseFallbackRules(raw string) []FallbackRule {
	var rules []FallbackRule
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		rules = append(rules, FallbackRule{Src: strings.TrimSpace(parts[0]), Dst: strings.TrimSpace(parts[1])})
	}
	return rules
}

// ParseFamilyPrefixes parses the ROUTING_RULES configuration string, a
// comma-separated list of "prefix:family" pairs that override or extend
// DefaultFamilyPrefixes.
func ParseFamilyPrefixes(raw string) map[string]string {
	prefixes := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		prefixes[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return prefixes
}
