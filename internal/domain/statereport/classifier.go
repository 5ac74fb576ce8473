package statereport

import (
	"sort"
	"strings"
)

// Classifier assigns a priority tier from a condition code and name.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	codes    []CodeRule
	keywords []KeywordRule
}

// NewClassifier builds a classifier from rules. Code prefixes are matched
// longest first; keywords are checked in tier order, most urgent first.
func NewClassifier(rules Rules) *Classifier {
	codes := make([]CodeRule, 0, len(rules.Codes))
	for _, r := range rules.Codes {
		codes = append(codes, CodeRule{
			Prefix:   normalizeCode(r.Prefix),
			Priority: r.Priority,
			Label:    r.Label,
		})
	}
	sort.SliceStable(codes, func(i, j int) bool {
		return len(codes[i].Prefix) > len(codes[j].Prefix)
	})

	keywords := make([]KeywordRule, 0, len(rules.Keywords))
	for _, r := range rules.Keywords {
		keywords = append(keywords, KeywordRule{
			Keyword:  strings.ToLower(strings.TrimSpace(r.Keyword)),
			Priority: r.Priority,
		})
	}
	sort.SliceStable(keywords, func(i, j int) bool {
		return keywords[i].Priority.Rank() > keywords[j].Priority.Rank()
	})

	return &Classifier{codes: codes, keywords: keywords}
}

// Classify returns the tier for the condition. A code match wins over a
// name match; with neither, the report is Normal.
func (c *Classifier) Classify(conditionCode, conditionName *string) PriorityLevel {
	if conditionCode != nil {
		code := normalizeCode(*conditionCode)
		if code != "" {
			for _, r := range c.codes {
				if matchesPrefix(code, r.Prefix) {
					return r.Priority
				}
			}
		}
	}

	if conditionName != nil {
		name := strings.ToLower(*conditionName)
		if strings.TrimSpace(name) != "" {
			for _, r := range c.keywords {
				if strings.Contains(name, r.Keyword) {
					return r.Priority
				}
			}
		}
	}

	return PriorityNormal
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// matchesPrefix compares codes with the category dot optional, so "A051"
// matches the "A05.1" rule.
func matchesPrefix(code, prefix string) bool {
	if strings.HasPrefix(code, prefix) {
		return true
	}
	return strings.HasPrefix(strings.ReplaceAll(code, ".", ""), strings.ReplaceAll(prefix, ".", ""))
}
