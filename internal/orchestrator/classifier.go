package orchestrator

import (
	"context"
	"strings"

	"github.com/pitabwire/sampark/internal/config"
	"github.com/pitabwire/sampark/model"
)

// Classifier decides which workflow kind a first trigger starts.
// Implementations may call out to a language model; the orchestrator
// calls it before any slot is held.
type Classifier interface {
	Classify(ctx context.Context, trigger model.Trigger) (model.Classification, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, trigger model.Trigger) (model.Classification, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, trigger model.Trigger) (model.Classification, error) {
	return f(ctx, trigger)
}

// StaticClassifier matches keywords against one text field of the trigger
// payload. The first matching rule wins; otherwise the default codename is
// used.
type StaticClassifier struct {
	textField         string
	rules             []config.ClassifierRule
	defaultCodename   string
	defaultConfidence float64
}

// NewStaticClassifier builds a keyword classifier from configuration.
func NewStaticClassifier(cfg config.ClassifierConfig) *StaticClassifier {
	rules := make([]config.ClassifierRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		r.Keyword = strings.ToLower(r.Keyword)
		rules = append(rules, r)
	}
	return &StaticClassifier{
		textField:         cfg.TextField,
		rules:             rules,
		defaultCodename:   cfg.DefaultCodename,
		defaultConfidence: cfg.DefaultConfidence,
	}
}

// Classify implements Classifier. Matching is case-insensitive.
func (c *StaticClassifier) Classify(_ context.Context, trigger model.Trigger) (model.Classification, error) {
	text, _ := trigger.Payload[c.textField].(string)
	text = strings.ToLower(text)

	for _, rule := range c.rules {
		if rule.Keyword != "" && strings.Contains(text, rule.Keyword) {
			return model.Classification{Codename: rule.Codename, Confidence: rule.Confidence}, nil
		}
	}
	if c.defaultCodename == "" {
		return model.Classification{}, model.NewBadRequestError("trigger could not be classified")
	}
	return model.Classification{Codename: c.defaultCodename, Confidence: c.defaultConfidence}, nil
}
