package gateway

import (
	"regexp"
	"strconv"
	"strings"
)

// extractedMemory holds the fields the §4.9 intent/credential parser can
// pull out of one final user utterance.
type extractedMemory struct {
	Account    string
	SortCode   string
	UserIntent string
}

var digitWords = map[string]string{
	"zero": "0", "oh": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

var digitSequencePattern = regexp.MustCompile(`(?i)\b(?:zero|oh|one|two|three|four|five|six|seven|eight|nine|[0-9])(?:[\s-]+(?:zero|oh|one|two|three|four|five|six|seven|eight|nine|[0-9])){3,}\b`)

var rawDigitsPattern = regexp.MustCompile(`\b\d{6,8}\b`)

var intentPatterns = []struct {
	intent  string
	pattern *regexp.Regexp
}{
	{"check_balance", regexp.MustCompile(`(?i)\b(balance|how much (do i have|is in))\b`)},
	{"check_transactions", regexp.MustCompile(`(?i)\b(transactions?|statement|recent (payments|spending))\b`)},
	{"dispute", regexp.MustCompile(`(?i)\b(dispute|didn'?t (make|recognize)|fraud(ulent)?|unauthorised|unauthorized)\b`)},
	{"mortgage", regexp.MustCompile(`(?i)\bmortgage\b`)},
	{"investigation", regexp.MustCompile(`(?i)\b(investigat(e|ion)|case (number|reference))\b`)},
}

// wordsToDigits converts runs of spoken-number words (and any already
// present digits) in text to a contiguous digit string, e.g.
// "one two three four five six seven eight" -> "12345678".
func wordsToDigits(text string) []string {
	var sequences []string
	for _, m := range digitSequencePattern.FindAllString(text, -1) {
		var b strings.Builder
		for _, tok := range strings.FieldsFunc(m, func(r rune) bool { return r == ' ' || r == '-' }) {
			if d, ok := digitWords[strings.ToLower(tok)]; ok {
				b.WriteString(d)
			} else if _, err := strconv.Atoi(tok); err == nil {
				b.WriteString(tok)
			}
		}
		if b.Len() > 0 {
			sequences = append(sequences, b.String())
		}
	}
	sequences = append(sequences, rawDigitsPattern.FindAllString(text, -1)...)
	return sequences
}

// extractFromText runs the §4.9 intent/credential parser over one final
// user utterance: spoken-number-to-digit conversion, then 8-digit account
// number, 6-digit sort code and a coarse intent enum.
func extractFromText(text string) extractedMemory {
	var out extractedMemory

	for _, seq := range wordsToDigits(text) {
		switch len(seq) {
		case 8:
			if out.Account == "" {
				out.Account = seq
			}
		case 6:
			if out.SortCode == "" {
				out.SortCode = seq
			}
		}
	}

	for _, ip := range intentPatterns {
		if ip.pattern.MatchString(text) {
			out.UserIntent = ip.intent
			break
		}
	}

	return out
}
