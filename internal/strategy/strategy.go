package strategy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"processline/internal/manifest"
)

// Strategy addresses referenced by manifests.
const (
	AddrDirect            = "direct"
	AddrPercentageRollout = "percentage_rollout"
	AddrAttributeFilter   = "attribute_filter"
	AddrBanditUCB1        = "bandit_ucb1"
)

// Stat is an immutable counter snapshot for one variant, loaded before a
// decision so the decision itself stays deterministic.
type Stat struct {
	Attempts  int64
	Successes int64
}

// Context carries the caller context a decision may inspect. Attributes is
// the raw caller_context object; Stats is only populated for the bandit.
type Context struct {
	Attributes map[string]any
	Stats      map[string]Stat
}

// Decision maps (context, variants, static args) to a chosen variant id.
// Implementations must be pure: same inputs, same answer.
type Decision func(ctx Context, variants []manifest.Variant, static map[string]any) (string, error)

// ContextError reports caller context a strategy cannot decide on. Any other
// decision error is a fault in the manifest's static args, not in the request.
type ContextError struct {
	Path   string
	Reason string
}

func (e ContextError) Error() string {
	return fmt.Sprintf("context path %s: %s", e.Path, e.Reason)
}

var registry = map[string]Decision{
	AddrDirect:            Direct,
	AddrPercentageRollout: PercentageRollout,
	AddrAttributeFilter:   AttributeFilter,
	AddrBanditUCB1:        BanditUCB1,
}

// Lookup returns the decision function registered at the given address.
func Lookup(address string) (Decision, bool) {
	d, ok := registry[address]
	return d, ok
}

// Known reports whether a strategy address is registered.
func Known(address string) bool {
	_, ok := registry[address]
	return ok
}

// Direct always picks the first variant in declaration order.
func Direct(_ Context, variants []manifest.Variant, _ map[string]any) (string, error) {
	if len(variants) == 0 {
		return "", fmt.Errorf("no variants declared")
	}
	return variants[0].ID, nil
}

// Bucket hashes a bucketing key into [0,99]. The hash is stable across
// processes and restarts; this is what makes rollouts safe.
func Bucket(key string) int {
	sum := sha256.Sum256([]byte(key))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// PercentageRollout buckets the caller by a stable hash of a context key and
// routes through cumulative weight ranges built in declared variant order.
// Static args: key_path (default "user_id"), optional default_variant for
// the uncovered remainder when weights sum below 1.
func PercentageRollout(ctx Context, variants []manifest.Variant, static map[string]any) (string, error) {
	keyPath := "user_id"
	if p, ok := static["key_path"].(string); ok && p != "" {
		keyPath = p
	}
	raw, ok := Attr(ctx.Attributes, keyPath)
	if !ok {
		return "", ContextError{Path: keyPath, Reason: "bucketing key missing from caller context"}
	}
	key := fmt.Sprintf("%v", raw)
	if key == "" {
		return "", ContextError{Path: keyPath, Reason: "bucketing key is empty"}
	}
	bucket := Bucket(key)

	cum := 0
	for _, v := range variants {
		if v.Weight == nil {
			continue
		}
		size := int(math.Round(*v.Weight * 100))
		if size <= 0 {
			continue
		}
		if bucket < cum+size {
			return v.ID, nil
		}
		cum += size
	}
	if def, ok := static["default_variant"].(string); ok && def != "" {
		return def, nil
	}
	return "", fmt.Errorf("bucket %d not covered by variant weights and no default_variant declared", bucket)
}

// AttributeFilter walks declared rules in order and returns the variant of
// the first rule whose dotted context path equals the literal value.
// Static args: rules [{path, equals, variant}], default (variant id).
func AttributeFilter(ctx Context, variants []manifest.Variant, static map[string]any) (string, error) {
	rawRules, _ := static["rules"].([]any)
	for i, rr := range rawRules {
		rule, ok := rr.(map[string]any)
		if !ok {
			return "", fmt.Errorf("rule %d is not an object", i)
		}
		path, _ := rule["path"].(string)
		variantID, _ := rule["variant"].(string)
		if path == "" || variantID == "" {
			return "", fmt.Errorf("rule %d missing path or variant", i)
		}
		value, ok := Attr(ctx.Attributes, path)
		if !ok {
			continue
		}
		if fmt.Sprintf("%v", value) == fmt.Sprintf("%v", rule["equals"]) {
			return variantID, nil
		}
	}
	def, _ := static["default"].(string)
	if def == "" {
		return "", fmt.Errorf("no rule matched and no default variant declared")
	}
	return def, nil
}

// BanditUCB1 picks the variant with the highest UCB1 score over the counter
// snapshot in the context. Unplayed variants are served first, in declared
// order, so every arm gets explored. Deterministic given the snapshot.
func BanditUCB1(ctx Context, variants []manifest.Variant, _ map[string]any) (string, error) {
	if len(variants) == 0 {
		return "", fmt.Errorf("no variants declared")
	}
	var total int64
	for _, v := range variants {
		s := ctx.Stats[v.ID]
		if s.Attempts == 0 {
			return v.ID, nil
		}
		total += s.Attempts
	}
	best := variants[0].ID
	bestScore := math.Inf(-1)
	for _, v := range variants {
		s := ctx.Stats[v.ID]
		mean := float64(s.Successes) / float64(s.Attempts)
		score := mean + math.Sqrt(2*math.Log(float64(total))/float64(s.Attempts))
		if score > bestScore {
			best = v.ID
			bestScore = score
		}
	}
	return best, nil
}

// Attr resolves a dotted path ("user.segment") inside a context object.
func Attr(attrs map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = attrs
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
