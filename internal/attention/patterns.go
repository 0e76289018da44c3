package attention

import (
	"regexp"
	"strings"
)

var (
	whWords = []string{"what", "when", "where", "who", "whom", "whose", "why", "how", "which"}

	auxVerbs = []string{
		"can", "could", "would", "will", "shall", "should", "may", "might",
		"do", "does", "did", "is", "are", "was", "were", "have", "has",
	}

	formalAddress = []string{"sir", "madam", "ma'am", "miss", "mister", "mr", "mrs", "ms"}

	greetings = []string{"hey", "hi", "hello"}

	youWord  = regexp.MustCompile(`\byou\b`)
	yourWord = regexp.MustCompile(`\byour\b`)
)

// isQuestion reports whether lowered text looks like a question, and which
// built-in or custom pattern matched. lowered must already be lowercase and
// trimmed.
func isQuestion(lowered string, custom []string) (bool, string) {
	if strings.HasSuffix(lowered, "?") {
		return true, "terminal_question_mark"
	}

	first := firstWord(lowered)
	for _, w := range whWords {
		if first == w {
			return true, "leading_wh_word"
		}
	}
	for _, v := range auxVerbs {
		if first == v {
			return true, "leading_auxiliary"
		}
	}

	if strings.Contains(lowered, "?") && (youWord.MatchString(lowered) || yourWord.MatchString(lowered)) {
		return true, "second_person_question"
	}

	for _, p := range custom {
		if strings.Contains(lowered, p) {
			return true, "custom:" + p
		}
	}
	return false, ""
}

// isDirectAddress reports whether lowered text addresses the listener
// directly. userName must already be lowercase (empty when unset).
func isDirectAddress(lowered, userName string, custom []string) (bool, string) {
	if userName != "" {
		for _, g := range greetings {
			if strings.Contains(lowered, g+" "+userName) {
				return true, "greeting_with_name"
			}
		}
	}

	words := strings.Fields(strings.Map(stripPunct, lowered))
	for _, w := range words {
		for _, f := range formalAddress {
			if w == f {
				return true, "formal_address"
			}
		}
	}

	if strings.Contains(lowered, "excuse me") || strings.Contains(lowered, "pardon me") {
		return true, "interruption_phrase"
	}

	first := firstWord(lowered)
	if first == "look" || first == "listen" {
		return true, "imperative_opener"
	}

	for _, p := range custom {
		if strings.Contains(lowered, p) {
			return true, "custom:" + p
		}
	}
	return false, ""
}

// ruleConfidence scores soft directedness signals, clamped to [0,1].
// text is the original casing; lowered is its lowercase form.
func ruleConfidence(text, lowered string) float64 {
	var conf float64
	if strings.Contains(lowered, "?") {
		conf += 0.2
	}
	if youWord.MatchString(lowered) {
		conf += 0.15
	}
	if yourWord.MatchString(lowered) {
		conf += 0.1
	}
	if len(text) < 50 {
		conf += 0.1
	}
	if startsUppercase(text) {
		conf += 0.05
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRight(fields[0], ",.!?;:")
}

func startsUppercase(s string) bool {
	for _, r := range s {
		return r >= 'A' && r <= 'Z'
	}
	return false
}

func stripPunct(r rune) rune {
	switch r {
	case ',', '.', '!', '?', ';', ':':
		return ' '
	}
	return r
}
