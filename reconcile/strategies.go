package reconcile

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fields is what a strategy managed to pull out of the model text.
type fields struct {
	reply   string
	respond string
	emotion string
	img     string
}

type strategy struct {
	stage Stage
	run   func(r *Reconciler, text string) (fields, bool)
}

// cascade is tried in order; the first strategy that reports ok wins.
// residue always succeeds, so a result is always produced.
var cascade = []strategy{
	{StageDirect, func(_ *Reconciler, text string) (fields, bool) { return parseObject(strings.TrimSpace(text)) }},
	{StageExtract, func(_ *Reconciler, text string) (fields, bool) { return extractObject(text) }},
	{StageFields, func(_ *Reconciler, text string) (fields, bool) { return matchFields(text) }},
	{StageResidue, stripResidue},
}

// parseObject decodes text as a JSON object. Non-string values are ignored.
func parseObject(text string) (fields, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return fields{}, false
	}
	str := func(k string) string {
		s, _ := obj[k].(string)
		return s
	}
	return fields{
		reply:   str("reply"),
		respond: str("respond"),
		emotion: str("emotion"),
		img:     str("img"),
	}, true
}

var (
	fenceJSONRe    = regexp.MustCompile("(?i)```json\\s*")
	fenceRe        = regexp.MustCompile("```\\s*")
	trailingComma  = regexp.MustCompile(`,(\s*[}\]])`)
	blankLinesRe   = regexp.MustCompile(`\n\s*\n`)
	respondQuoted  = regexp.MustCompile(`(?s)"respond"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	replyQuoted    = regexp.MustCompile(`(?s)"reply"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	emotionQuoted  = regexp.MustCompile(`"emotion"\s*:\s*"([^"]*)"`)
	imgQuoted      = regexp.MustCompile(`"img"\s*:\s*"([^"]*)"`)
	respondLoose   = regexp.MustCompile(`(?i)respond["\s]*[:=]["\s]*([^"\n,}]+)`)
	replyLoose     = regexp.MustCompile(`(?i)reply["\s]*[:=]["\s]*([^"\n,}]+)`)
	residueFenceRe = regexp.MustCompile("(?i)```json|```")
	residueBraces  = regexp.MustCompile(`[{}]`)
	residueKeyRe   = regexp.MustCompile(`"[^"]*":\s*"`)
	residueQuotes  = regexp.MustCompile(`["',]`)
	looseQuotes    = regexp.MustCompile(`['"]`)
)

// extractObject strips code fences and surrounding prose, keeps the span from
// the first '{' to the last '}', repairs trailing commas and retries the parse.
func extractObject(text string) (fields, bool) {
	cleaned := fenceJSONRe.ReplaceAllString(text, "")
	cleaned = fenceRe.ReplaceAllString(cleaned, "")
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end <= start {
		return fields{}, false
	}
	cleaned = cleaned[start : end+1]
	cleaned = trailingComma.ReplaceAllString(cleaned, "$1")
	cleaned = blankLinesRe.ReplaceAllString(cleaned, "\n")
	return parseObject(strings.TrimSpace(cleaned))
}

// matchFields pulls individual fields out of text that is too broken to parse.
// The resolved reply is copied into both reply and respond.
func matchFields(text string) (fields, bool) {
	respond := quotedOrLoose(text, respondQuoted, respondLoose)
	reply := quotedOrLoose(text, replyQuoted, replyLoose)
	if respond == "" && reply == "" {
		return fields{}, false
	}
	f := fields{
		respond: firstNonEmpty(respond, reply),
		reply:   firstNonEmpty(reply, respond),
		emotion: defaultEmotion,
	}
	if m := emotionQuoted.FindStringSubmatch(text); m != nil {
		f.emotion = m[1]
	}
	if m := imgQuoted.FindStringSubmatch(text); m != nil {
		f.img = m[1]
	}
	return f, true
}

func quotedOrLoose(text string, quoted, loose *regexp.Regexp) string {
	if m := quoted.FindStringSubmatch(text); m != nil {
		return unescape(m[1])
	}
	if m := loose.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(looseQuotes.ReplaceAllString(m[1], ""))
	}
	return ""
}

// unescape decodes JSON string escapes in a captured value, falling back to
// the raw capture when the escapes are malformed.
func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

// stripResidue removes JSON syntax from text and uses what is left verbatim.
func stripResidue(r *Reconciler, text string) (fields, bool) {
	cleaned := residueFenceRe.ReplaceAllString(text, "")
	cleaned = residueBraces.ReplaceAllString(cleaned, "")
	cleaned = residueKeyRe.ReplaceAllString(cleaned, "")
	cleaned = residueQuotes.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = r.apologies.Unprocessable
	}
	return fields{reply: cleaned, respond: cleaned, emotion: defaultEmotion}, true
}
