package actions

import "github.com/ragflow/pipeline/internal/action"

// Default returns a fresh registry with every built-in action wired in
// under its action_id.
func Default() *action.Registry {
	r := action.NewRegistry()
	r.Register(TranslateInIfNeeded{})
	r.Register(LoadConversationHistory{})
	r.Register(PrefixRouter{})
	r.Register(JSONDecisionRouter{})
	r.Register(RepeatQueryGuard{})
	r.Register(InboxDispatcher{})
	r.Register(SearchNodes{})
	r.Register(ExpandDependencyTree{})
	r.Register(FetchNodeTexts{})
	r.Register(ManageContextBudget{})
	r.Register(CallModel{})
	r.Register(LoopGuard{})
	r.Register(SetVariables{})
	r.Register(ForkAction{})
	r.Register(MergeAction{})
	r.Register(Finalize{})
	return r
}
