package prompts

import (
	"strings"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

const cleanSystem = `You are cleaning scraped news article markdown. The input often contains
navigation menus, footer links, social widgets, repeated sections, image-only
lines and unrelated page chrome.

Return a cleaned markdown body that preserves the article's core content,
headings and key quotes while removing boilerplate. Do not summarize or
paraphrase. Return ONLY the cleaned markdown body.`

const neutralizeSystem = `You are a clinical editor. Strip all stylistic and rhetorical content from
news articles, producing only factual summaries.`

const abstractSystem = `You are a structural abstractor. Remove specific names, places,
organizations and unique identifiers while preserving the type and role of
each entity and the factual relationships.`

const (
	neutralizedPrefix = "Neutralized Summary:"
	abstractedPrefix  = "Abstracted Summary:"
)

// EvidenceLevel builds the prompt for an evidence processing stage over input.
func EvidenceLevel(stage model.Stage, input string) Prompt {
	switch stage {
	case model.StageEvidenceNeutralize:
		return Prompt{System: neutralizeSystem, User: strings.Join([]string{
			"Rewrite the following article as a clinical summary.",
			"",
			"RULES:",
			"- Preserve only factual claims, statistics, and named sources.",
			"- Remove emotional language, rhetorical questions, and editorializing.",
			"- Remove adjectives that convey judgment.",
			"- Do not add any information not present in the original.",
			"",
			"ARTICLE:",
			input,
			"",
			"Start your response with \"" + neutralizedPrefix + "\".",
		}, "\n")}
	case model.StageEvidenceAbstract:
		return Prompt{System: abstractSystem, User: strings.Join([]string{
			"Rewrite the following text to anonymize specific entities and locations.",
			"",
			"RULES:",
			"- Replace person names with role-based descriptors when inferable.",
			"- Replace countries and cities with generic types.",
			"- Replace organizations with their type when inferable.",
			"- Preserve relationships, sequence of events, and policy actions.",
			"",
			"TEXT:",
			input,
			"",
			"Start your response with \"" + abstractedPrefix + "\".",
		}, "\n")}
	default:
		return Prompt{System: cleanSystem, User: "Clean the following scraped article markdown:\n\nARTICLE:\n" + input}
	}
}

// StripLevelPrefix removes the leading marker the level prompts request.
func StripLevelPrefix(stage model.Stage, output string) string {
	out := strings.TrimSpace(output)
	var prefix string
	switch stage {
	case model.StageEvidenceNeutralize:
		prefix = neutralizedPrefix
	case model.StageEvidenceAbstract:
		prefix = abstractedPrefix
	default:
		return out
	}
	if len(out) >= len(prefix) && strings.EqualFold(out[:len(prefix)], prefix) {
		out = strings.TrimSpace(out[len(prefix):])
	}
	return out
}
