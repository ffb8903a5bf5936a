package cfg

import "scatterbrain/internal/config"

// RuleSet is a totally-ordered list of rules bound to a
// ProtectionMode. Distinct sets exist because ScatterBrain variants
// emit overlapping but distinguishable garbage patterns; RULE_SET_1
// below is the only set currently grounded in the retrieved reference
// material.
type RuleSet struct {
	Name  config.RuleSetName
	Rules []Rule
}

// ruleSet1 orders KindDispatcherRedirect ahead of
// KindOpaquePredicateCollapse: when a dispatcher-call pattern and an
// opaque-predicate pattern both match at the same RVA, dispatcher-call
// must win, since misclassifying it is the only mistake that loses a
// control-flow edge rather than merely leaving a little garbage
// behind. This is an explicit choice where the reference material left
// the priority unstated.
var ruleSet1 = RuleSet{
	Name: config.RuleSet1,
	Rules: []Rule{
		{Kind: KindDispatcherRedirect, Name: "dispatcher-redirect", WindowLen: 1},
		{Kind: KindPushPopCollapse, Name: "push-pop-collapse", WindowLen: 2},
		{Kind: KindNopCollapse, Name: "nop-collapse", WindowLen: 4},
		{Kind: KindOpaquePredicateCollapse, Name: "opaque-predicate-collapse", WindowLen: 2},
	},
}

// LookupRuleSet resolves a named rule set to its rule list.
func LookupRuleSet(name config.RuleSetName) (RuleSet, bool) {
	switch name {
	case config.RuleSet1:
		return ruleSet1, true
	default:
		return RuleSet{}, false
	}
}
