package documents

import (
	"regexp"
	"strings"

	"github.com/manualrag/cli/internal/db"
)

var (
	// Two or three capitals followed by a number, e.g. LI4, GV 20, ST36.
	pointCodeRe = regexp.MustCompile(`\b[A-Z]{2,3}\s?\d{1,3}\b`)

	procedureRe = regexp.MustCompile(`(?i)\b(?:procedures?|test(?:s|ing)?|corrections?|techniques?)\b`)
	theoryRe    = regexp.MustCompile(`(?i)\b(?:meridians?|energy|elements?|theory|theories|principles?|yin|yang|qi|chi)\b`)

	vocabularyRe = regexp.MustCompile(`(?i)\b(?:` + strings.Join(vocabulary, "|") + `)\b`)
)

// vocabulary is matched as whole lowercase words and becomes chunk keywords.
var vocabulary = []string{
	"acupressure",
	"anxiety",
	"balance",
	"back",
	"correction",
	"digestion",
	"element",
	"emotion",
	"energy",
	"fatigue",
	"headache",
	"insomnia",
	"meridian",
	"migraine",
	"muscle",
	"nausea",
	"neck",
	"pain",
	"posture",
	"pressure",
	"procedure",
	"protocol",
	"shoulder",
	"stress",
	"technique",
	"tension",
	"test",
	"theory",
}

// Classify tags content by the first vocabulary family it matches:
// procedure, then point codes, then theory.
func Classify(content string) db.ContentType {
	switch {
	case procedureRe.MatchString(content):
		return db.ContentProcedure
	case pointCodeRe.MatchString(content):
		return db.ContentPoints
	case theoryRe.MatchString(content):
		return db.ContentTheory
	default:
		return db.ContentGeneral
	}
}

// ExtractPointCodes returns the distinct point codes in text, normalized to
// upper case without inner whitespace, in first-seen order.
func ExtractPointCodes(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range pointCodeRe.FindAllString(text, -1) {
		code := NormalizePointCode(m)
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}

// NormalizePointCode turns "gv 20" into "GV20".
func NormalizePointCode(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}

// ExtractKeywords returns point codes followed by vocabulary terms found in
// content, deduplicated.
func ExtractKeywords(content string) []string {
	keywords := ExtractPointCodes(content)
	seen := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		seen[k] = true
	}
	for _, m := range vocabularyRe.FindAllString(content, -1) {
		term := strings.ToLower(m)
		if !seen[term] {
			seen[term] = true
			keywords = append(keywords, term)
		}
	}
	return keywords
}
