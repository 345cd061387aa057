// Package reconcile recovers a structured reply/emotion/img result from
// free-form model output that was asked to be JSON but often is not.
package reconcile

import (
	"fmt"
	"log/slog"
	"strings"
)

// Result is the reconciled model answer. Reply is never empty.
type Result struct {
	Reply   string  `json:"reply"`
	Emotion *string `json:"emotion"`
	Image   *string `json:"img"`
}

// Flags tell the reconciler which optional fields the caller asked the model for.
type Flags struct {
	EmotionEnabled bool
	HasAttachment  bool
}

// Substitution is a literal, global rewrite applied to model text.
type Substitution struct {
	Pattern     string
	Replacement string
}

// Apologies are the fixed replies the reconciler produces when it cannot
// recover an answer. A reply equal to one of them is a synthetic error.
type Apologies struct {
	Unprocessable string // nothing usable left after stripping JSON residue
	Ungenerated   string // model produced no reply text at all
	Misunderstood string // reconciliation itself blew up
}

// Stage names the strategy that produced a result.
type Stage string

const (
	StageDirect    Stage = "direct"
	StageExtract   Stage = "extract"
	StageFields    Stage = "fields"
	StageResidue   Stage = "residue"
	StageRecovered Stage = "recovered"
)

const defaultEmotion = "default"

// Reconciler runs the recovery cascade. It is safe for concurrent use.
type Reconciler struct {
	subs      []Substitution
	apologies Apologies
	observe   func(Stage)
	logger    *slog.Logger
}

// New builds a Reconciler. observe, if non-nil, is told which stage produced
// each result.
func New(subs []Substitution, apologies Apologies, observe func(Stage)) *Reconciler {
	return &Reconciler{
		subs:      subs,
		apologies: apologies,
		observe:   observe,
		logger:    slog.With("component", "reconcile"),
	}
}

// Reconcile turns raw model text into a Result. It never panics and never
// returns an empty Reply.
func (r *Reconciler) Reconcile(raw string, flags Flags) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reconcile panicked", "panic", fmt.Sprint(p))
			res = Result{Reply: r.apologies.Misunderstood, Emotion: ptr(defaultEmotion)}
			func() {
				defer func() { _ = recover() }()
				r.noteStage(StageRecovered)
			}()
		}
	}()

	text := r.Substitute(raw)

	var (
		f     fields
		stage Stage
	)
	for _, s := range cascade {
		got, ok := s.run(r, text)
		if ok {
			f, stage = got, s.stage
			break
		}
		r.logger.Debug("reconcile strategy missed", "stage", s.stage)
	}
	r.noteStage(stage)

	reply := strings.TrimSpace(firstNonEmpty(f.reply, f.respond, text))
	if reply == "" {
		reply = r.apologies.Ungenerated
	}
	res.Reply = r.Substitute(reply)

	if flags.EmotionEnabled {
		res.Emotion = ptr(firstNonEmpty(f.emotion, defaultEmotion))
	}
	if flags.HasAttachment {
		res.Image = caption(f.img)
	}
	return res
}

// IsSyntheticError reports whether reply is one of the fixed apologies.
func (r *Reconciler) IsSyntheticError(reply string) bool {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return false
	}
	return reply == r.apologies.Unprocessable ||
		reply == r.apologies.Ungenerated ||
		reply == r.apologies.Misunderstood
}

// Substitute applies the substitution table in order.
func (r *Reconciler) Substitute(s string) string {
	for _, sub := range r.subs {
		if sub.Pattern == "" {
			continue
		}
		s = strings.ReplaceAll(s, sub.Pattern, sub.Replacement)
	}
	return s
}

func (r *Reconciler) noteStage(stage Stage) {
	if r.observe != nil {
		r.observe(stage)
	}
}

// caption normalizes an image description, dropping the placeholder values
// models emit when asked for null.
func caption(s string) *string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "none":
		return nil
	}
	return &s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func ptr(s string) *string { return &s }
