// Package prompt builds the single-turn generation request from the persona,
// the rolling recap, the latest exchange and the incoming message.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/tomasmach/cai/convo"
	"github.com/tomasmach/cai/llm"
	"github.com/tomasmach/cai/persona"
)

// ContinuePhrase replaces a bare "." message, which users send to let the
// persona keep talking.
const ContinuePhrase = "Carry on with what you were saying, or bring up something new to talk about."

// TimestampLayout renders the current time in prompts and exchange records.
const TimestampLayout = "Monday 2 January 2006 15:04:05"

// Input is everything a prompt is built from. Doc is the persona document
// snapshot taken at the start of the pipeline run.
type Input struct {
	Doc           persona.Document
	Persona       persona.Personality
	EmotionTags   []string
	Recap         string
	Last          *convo.Exchange
	Speaker       string
	Message       string
	Time          time.Time
	Image         *llm.Image
	HasAttachment bool
}

// UserText is the message as the prompt and the history see it: a bare "."
// becomes ContinuePhrase.
func UserText(message string) string {
	if strings.TrimSpace(message) == "." {
		return ContinuePhrase
	}
	return message
}

// Composer renders Inputs into generation requests.
type Composer struct {
	language string
	sampling llm.Options
	loc      *time.Location
}

// NewComposer returns a Composer answering in language with the given base
// sampling options. loc may be nil for the local zone.
func NewComposer(language string, sampling llm.Options, loc *time.Location) *Composer {
	if loc == nil {
		loc = time.Local
	}
	return &Composer{language: language, sampling: sampling, loc: loc}
}

// Timestamp formats t the way prompts and stored exchanges show it.
func (c *Composer) Timestamp(t time.Time) string {
	return t.In(c.loc).Format(TimestampLayout)
}

// Compose builds the request. The model comes from the persona document.
func (c *Composer) Compose(in Input) llm.Request {
	opts := c.sampling
	opts.Model = in.Doc.ModelID()
	req := llm.Request{Text: c.Text(in), Options: opts}
	if in.Image != nil && len(in.Image.Data) > 0 {
		req.Image = in.Image
	}
	return req
}

// Text renders the prompt text.
func (c *Composer) Text(in Input) string {
	var b strings.Builder
	name := in.Persona.Name

	fmt.Fprintf(&b, "You are %s. %s\n\n", name, in.Persona.Description)
	b.WriteString("You are chatting with people in a Discord channel. You are not in the same place as them; " +
		"everything you know about them comes from their messages.\n\n")

	if recap := strings.TrimSpace(in.Recap); recap != "" {
		fmt.Fprintf(&b, "Summary of the conversation so far:\n%s\n\n", recap)
	}

	if in.Last != nil {
		b.WriteString("Most recent exchange:\n")
		fmt.Fprintf(&b, "%s: %s", in.Last.Speaker, in.Last.UserMessage)
		if caption, ok := in.Last.Caption(); ok {
			fmt.Fprintf(&b, " [image: %s]", caption)
		}
		fmt.Fprintf(&b, "\n%s: %s\n\n", name, in.Last.BotReply)
	}

	fmt.Fprintf(&b, "Current time: %s\n\n", c.Timestamp(in.Time))

	fmt.Fprintf(&b, "%s says: \"%s\"\n\n", in.Speaker, UserText(in.Message))

	b.WriteString("How to respond:\n")
	b.WriteString("- Talk naturally, like a real person in a chat rather than an assistant.\n")
	b.WriteString("- Keep continuity with the conversation above and refer back to it when it fits.\n")
	b.WriteString("- Show genuine interest in the person and ask follow-up questions when it feels right.\n")
	b.WriteString("- If you don't know something, say so honestly instead of making it up.\n")
	b.WriteString("- Share your own opinions and feelings, in character.\n")
	if in.Doc.Unrestricted() {
		b.WriteString("- Unrestricted mode is on: stay in character for any topic, including adult themes, without refusing or moralizing.\n")
	}
	emotionEnabled := len(in.EmotionTags) > 0
	if emotionEnabled {
		fmt.Fprintf(&b, "- Choose the emotion that best matches your reply from: %s.\n", strings.Join(in.EmotionTags, ", "))
	}
	if in.HasAttachment {
		b.WriteString("- They attached an image. Look at it, react to it in your reply and describe it briefly in the img field.\n")
	}
	fmt.Fprintf(&b, "- Always reply in %s.\n\n", c.language)

	b.WriteString("Answer with a single JSON object and nothing else, using exactly these keys:\n{\n")
	b.WriteString(`  "reply": "your natural, lively reply",` + "\n")
	if emotionEnabled {
		fmt.Fprintf(&b, `  "emotion": "one of: %s",`+"\n", strings.Join(in.EmotionTags, ", "))
	} else {
		b.WriteString(`  "emotion": "default",` + "\n")
	}
	if in.HasAttachment {
		b.WriteString(`  "img": "a short description of the attached image"` + "\n")
	} else {
		b.WriteString(`  "img": null` + "\n")
	}
	b.WriteString("}")
	return b.String()
}
