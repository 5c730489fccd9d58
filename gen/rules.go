package gen

import (
	"regexp"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/loomchat/loom/chat"
)

// AttachRules selects the rules that apply to a conversation history.
// Always-rules are included unconditionally; manual rules are included
// when any message mentions them as @name. The result is de-duplicated
// by rule id in first-seen order, so attaching twice over the same
// input yields the same ordered set.
func AttachRules(history []chat.Message, rules []chat.Rule) []chat.Rule {
	attached := orderedmap.New[string, chat.Rule]()

	var manual []chat.Rule
	for _, r := range rules {
		switch r.Attach {
		case chat.AttachAlways:
			attached.Set(r.ID, r)
		case chat.AttachManual:
			manual = append(manual, r)
		}
	}

	if len(manual) > 0 {
		patterns := make([]*regexp.Regexp, len(manual))
		for i, r := range manual {
			patterns[i] = mentionPattern(r.Name)
		}
		for _, m := range history {
			for i, r := range manual {
				if _, ok := attached.Get(r.ID); ok {
					continue
				}
				if patterns[i].MatchString(m.Content) {
					attached.Set(r.ID, r)
				}
			}
		}
	}

	out := make([]chat.Rule, 0, attached.Len())
	for pair := attached.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// mentionPattern matches @name followed by whitespace or end of text.
// The trailing boundary keeps a rule named "rule" from matching inside
// a mention of "rule2".
func mentionPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`@` + regexp.QuoteMeta(name) + `(\s|$)`)
}
