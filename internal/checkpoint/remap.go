package checkpoint

import "regexp"

// remapRule rewrites one saved-parameter naming convention into the
// skeleton's. Rules are evaluated in fixed order against each key.
type remapRule struct {
	pattern     *regexp.Regexp
	replacement string
}

var remapRules = []remapRule{
	// DataParallel-style wrapper prefix.
	{regexp.MustCompile(`^module\.`), ""},
	// Indexed classifier blocks, e.g. "fc.1.weight" → "fc.weight". The index
	// sits between the classifier-stage name and weight/bias, so every
	// parameter sharing the index is rewritten by the same rule.
	{regexp.MustCompile(`\b(fc|classifier|head)\.\d+\.`), "$1."},
}

// remapKeys applies the rule table to every key of the state mapping. A
// rewrite that would collide with a name already present in the source
// mapping is skipped, so existing entries are never overwritten.
func remapKeys(sd StateDict) StateDict {
	out := make(StateDict, len(sd))
	for name, t := range sd {
		mapped := applyRemapRules(name)
		if mapped != name {
			if _, exists := sd[mapped]; exists {
				mapped = name
			}
		}
		if _, taken := out[mapped]; taken {
			mapped = name
		}
		out[mapped] = t
	}
	return out
}

func applyRemapRules(name string) string {
	for _, rule := range remapRules {
		name = rule.pattern.ReplaceAllString(name, rule.replacement)
	}
	return name
}
