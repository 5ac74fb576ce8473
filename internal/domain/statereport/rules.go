package statereport

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CodeRule maps an ICD-10 code prefix to a priority tier.
type CodeRule struct {
	Prefix   string        `yaml:"prefix"`
	Priority PriorityLevel `yaml:"priority"`
	Label    string        `yaml:"label,omitempty"`
}

// KeywordRule maps a condition-name keyword to a priority tier.
type KeywordRule struct {
	Keyword  string        `yaml:"keyword"`
	Priority PriorityLevel `yaml:"priority"`
}

// Rules is the declarative input to the condition classifier.
type Rules struct {
	Codes    []CodeRule    `yaml:"codes"`
	Keywords []KeywordRule `yaml:"keywords"`
}

// DefaultRules returns the built-in notifiable-condition tables.
func DefaultRules() Rules {
	return Rules{
		Codes: []CodeRule{
			{Prefix: "A00", Priority: PriorityImmediate, Label: "cholera"},
			{Prefix: "A05.1", Priority: PriorityImmediate, Label: "botulism"},
			{Prefix: "A20", Priority: PriorityImmediate, Label: "plague"},
			{Prefix: "A22", Priority: PriorityImmediate, Label: "anthrax"},
			{Prefix: "A36", Priority: PriorityImmediate, Label: "diphtheria"},
			{Prefix: "A39", Priority: PriorityImmediate, Label: "meningococcal infection"},
			{Prefix: "A80", Priority: PriorityImmediate, Label: "acute poliomyelitis"},
			{Prefix: "A82", Priority: PriorityImmediate, Label: "rabies"},
			{Prefix: "A98.4", Priority: PriorityImmediate, Label: "ebola virus disease"},
			{Prefix: "B03", Priority: PriorityImmediate, Label: "smallpox"},
			{Prefix: "B05", Priority: PriorityImmediate, Label: "measles"},
			{Prefix: "J09", Priority: PriorityImmediate, Label: "novel influenza A"},

			{Prefix: "A01", Priority: PriorityUrgent, Label: "typhoid and paratyphoid"},
			{Prefix: "A02", Priority: PriorityUrgent, Label: "salmonellosis"},
			{Prefix: "A03", Priority: PriorityUrgent, Label: "shigellosis"},
			{Prefix: "A04.3", Priority: PriorityUrgent, Label: "enterohemorrhagic E. coli"},
			{Prefix: "A15", Priority: PriorityUrgent, Label: "respiratory tuberculosis"},
			{Prefix: "A27", Priority: PriorityUrgent, Label: "leptospirosis"},
			{Prefix: "A32", Priority: PriorityUrgent, Label: "listeriosis"},
			{Prefix: "A37", Priority: PriorityUrgent, Label: "pertussis"},
			{Prefix: "A48.1", Priority: PriorityUrgent, Label: "legionnaires disease"},
			{Prefix: "A92.3", Priority: PriorityUrgent, Label: "west nile virus"},
			{Prefix: "B15", Priority: PriorityUrgent, Label: "acute hepatitis A"},
			{Prefix: "B16", Priority: PriorityUrgent, Label: "acute hepatitis B"},
			{Prefix: "B26", Priority: PriorityUrgent, Label: "mumps"},

			{Prefix: "Z23", Priority: PriorityRoutine, Label: "immunization encounter"},
		},
		Keywords: []KeywordRule{
			{Keyword: "anthrax", Priority: PriorityImmediate},
			{Keyword: "botulism", Priority: PriorityImmediate},
			{Keyword: "cholera", Priority: PriorityImmediate},
			{Keyword: "diphtheria", Priority: PriorityImmediate},
			{Keyword: "ebola", Priority: PriorityImmediate},
			{Keyword: "measles", Priority: PriorityImmediate},
			{Keyword: "meningococcal", Priority: PriorityImmediate},
			{Keyword: "novel influenza", Priority: PriorityImmediate},
			{Keyword: "plague", Priority: PriorityImmediate},
			{Keyword: "polio", Priority: PriorityImmediate},
			{Keyword: "rabies", Priority: PriorityImmediate},
			{Keyword: "smallpox", Priority: PriorityImmediate},

			{Keyword: "tuberculosis", Priority: PriorityUrgent},
			{Keyword: "pertussis", Priority: PriorityUrgent},
			{Keyword: "hepatitis a", Priority: PriorityUrgent},
			{Keyword: "salmonell", Priority: PriorityUrgent},
			{Keyword: "shigell", Priority: PriorityUrgent},
			{Keyword: "typhoid", Priority: PriorityUrgent},
			{Keyword: "mumps", Priority: PriorityUrgent},
			{Keyword: "listeri", Priority: PriorityUrgent},
			{Keyword: "legionell", Priority: PriorityUrgent},
			{Keyword: "west nile", Priority: PriorityUrgent},
		},
	}
}

// LoadRules reads a YAML rules file. An empty path yields the defaults.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read condition rules %s: %w", path, err)
	}
	return ParseRules(raw)
}

// ParseRules decodes and checks a YAML rules document.
func ParseRules(raw []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("decode condition rules: %w", err)
	}
	for i, r := range rules.Codes {
		if strings.TrimSpace(r.Prefix) == "" {
			return Rules{}, fmt.Errorf("code rule %d: prefix is required", i)
		}
		if _, ok := priorityRank[r.Priority]; !ok {
			return Rules{}, fmt.Errorf("code rule %s: invalid priority %q", r.Prefix, r.Priority)
		}
	}
	for i, r := range rules.Keywords {
		if strings.TrimSpace(r.Keyword) == "" {
			return Rules{}, fmt.Errorf("keyword rule %d: keyword is required", i)
		}
		if _, ok := priorityRank[r.Priority]; !ok {
			return Rules{}, fmt.Errorf("keyword rule %s: invalid priority %q", r.Keyword, r.Priority)
		}
	}
	return rules, nil
}
