package prompt_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasmach/cai/convo"
	"github.com/tomasmach/cai/llm"
	"github.com/tomasmach/cai/persona"
	"github.com/tomasmach/cai/prompt"
)

var fixedTime = time.Date(2024, time.March, 4, 21, 5, 9, 0, time.UTC)

func baseInput() prompt.Input {
	doc := persona.Default()
	p, _ := doc.Persona()
	return prompt.Input{
		Doc:     doc,
		Persona: p,
		Speaker: "alice",
		Message: "how was your day?",
		Time:    fixedTime,
	}
}

func newComposer() *prompt.Composer {
	return prompt.NewComposer("English", llm.Options{Temperature: 1.5, TopK: 40, TopP: 0.95, MaxOutputTokens: 8192}, time.UTC)
}

func TestTextOrdering(t *testing.T) {
	in := baseInput()
	in.Recap = "They discussed cats."
	caption := "a tabby cat"
	in.Last = &convo.Exchange{Speaker: "bob", UserMessage: "look at my cat", BotReply: "so cute!", ImageCaption: &caption}

	text := newComposer().Text(in)

	order := []string{
		"You are Assistant. Helpful AI assistant",
		"not in the same place",
		"Summary of the conversation so far:\nThey discussed cats.",
		"Most recent exchange:\nbob: look at my cat [image: a tabby cat]\nAssistant: so cute!",
		"Current time: Monday 4 March 2024 21:05:09",
		`alice says: "how was your day?"`,
		"How to respond:",
		"Always reply in English.",
		`"reply":`,
		`"img": null`,
	}
	last := -1
	for _, part := range order {
		idx := strings.Index(text, part)
		require.NotEqual(t, -1, idx, "missing %q in:\n%s", part, text)
		assert.Greater(t, idx, last, "%q out of order", part)
		last = idx
	}
}

func TestTextOmitsEmptySections(t *testing.T) {
	text := newComposer().Text(baseInput())
	assert.NotContains(t, text, "Summary of the conversation")
	assert.NotContains(t, text, "Most recent exchange")
	assert.NotContains(t, text, "Unrestricted mode")
	assert.NotContains(t, text, "attached an image")
	assert.Contains(t, text, `"emotion": "default"`)
}

func TestTextNoneCaptionIsHidden(t *testing.T) {
	in := baseInput()
	none := "none"
	in.Last = &convo.Exchange{Speaker: "bob", UserMessage: "hi", BotReply: "hey", ImageCaption: &none}
	assert.NotContains(t, newComposer().Text(in), "[image:")
}

func TestTextConditionalLines(t *testing.T) {
	in := baseInput()
	in.Doc.BotMode = persona.ModeUnrestricted
	in.EmotionTags = []string{"angry", "happy"}
	in.HasAttachment = true

	text := newComposer().Text(in)
	assert.Contains(t, text, "Unrestricted mode is on")
	assert.Contains(t, text, "from: angry, happy.")
	assert.Contains(t, text, `"emotion": "one of: angry, happy"`)
	assert.Contains(t, text, "They attached an image")
	assert.Contains(t, text, `"img": "a short description of the attached image"`)
}

func TestDotMessageBecomesContinuation(t *testing.T) {
	in := baseInput()
	in.Message = " . "
	text := newComposer().Text(in)
	assert.Contains(t, text, prompt.ContinuePhrase)
}

func TestComposeUsesPersonaModelAndImage(t *testing.T) {
	in := baseInput()
	in.Doc.Model = map[string]string{"fast": "gemini-2.0-flash-lite"}
	in.Doc.CurrentModel = "fast"
	in.Image = &llm.Image{Data: []byte("img"), MIMEType: "image/png"}

	req := newComposer().Compose(in)
	assert.Equal(t, "gemini-2.0-flash-lite", req.Options.Model)
	assert.Equal(t, float32(1.5), req.Options.Temperature)
	require.NotNil(t, req.Image)
	assert.Equal(t, "image/png", req.Image.MIMEType)

	in.Image = &llm.Image{}
	assert.Nil(t, newComposer().Compose(in).Image, "empty image must be dropped")
}

func TestScratchFetchAndReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg; charset=binary")
		w.Write([]byte("jpeg-bytes"))
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "imageAttach.png")
	s := prompt.NewScratch(path)

	require.NoError(t, s.Reset(), "reset of a missing file is not an error")

	img, err := s.Fetch(context.Background(), srv.URL+"/a.jpg", "")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.Equal(t, []byte("jpeg-bytes"), img.Data)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), onDisk)

	require.NoError(t, s.Reset())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestScratchFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	s := prompt.NewScratch(filepath.Join(t.TempDir(), "imageAttach.png"))
	_, err := s.Fetch(context.Background(), srv.URL, "image/png")
	assert.Error(t, err)
}

func TestScratchFetchDefaultsMIME(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("raw"))
	}))
	t.Cleanup(srv.Close)

	s := prompt.NewScratch(filepath.Join(t.TempDir(), "imageAttach.png"))
	img, err := s.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)
}
