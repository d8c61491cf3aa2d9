package errorhandler

import (
	"context"
	"errors"
	"strings"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// Classifier maps an error to its ErrorType. Implementations must be
// deterministic.
type Classifier interface {
	Classify(err error) ErrorType
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) ErrorType

func (f ClassifierFunc) Classify(err error) ErrorType { return f(err) }

// TypedError is implemented by errors that know their own class.
type TypedError interface {
	error
	SagaErrorType() ErrorType
}

// KeywordRule maps message keywords to an error type.
type KeywordRule struct {
	Type     ErrorType
	Keywords []string
}

// DefaultKeywordRules returns the rules in matching order.
func DefaultKeywordRules() []KeywordRule {
	return []KeywordRule{
		{Type: ErrorTypeTimeout, Keywords: []string{"timeout"}},
		{Type: ErrorTypeNetwork, Keywords: []string{"network", "connection"}},
		{Type: ErrorTypeData, Keywords: []string{"data", "validation"}},
		{Type: ErrorTypeConfig, Keywords: []string{"config", "configuration"}},
		{Type: ErrorTypeSystem, Keywords: []string{"system", "internal"}},
		{Type: ErrorTypeCompensation, Keywords: []string{"compensation"}},
		{Type: ErrorTypeExecution, Keywords: []string{"execution", "step"}},
	}
}

// KeywordClassifier classifies structured errors first and falls back to
// case-insensitive keyword matching on the message. The first matching rule wins.
type KeywordClassifier struct {
	rules []KeywordRule
}

// NewKeywordClassifier creates a classifier. Nil rules use DefaultKeywordRules.
func NewKeywordClassifier(rules []KeywordRule) *KeywordClassifier {
	if rules == nil {
		rules = DefaultKeywordRules()
	}
	normalized := make([]KeywordRule, 0, len(rules))
	for _, r := range rules {
		kw := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kw = append(kw, k)
			}
		}
		normalized = append(normalized, KeywordRule{Type: r.Type, Keywords: kw})
	}
	return &KeywordClassifier{rules: normalized}
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var typed TypedError
	if errors.As(err, &typed) {
		return typed.SagaErrorType()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var compErr *saga.CompensationError
	if errors.As(err, &compErr) {
		return ErrorTypeCompensation
	}
	var stepErr *saga.StepError
	if errors.As(err, &stepErr) {
		// the wrapper message names the step, so match on the cause only
		if t := c.ClassifyMessage(stepErr.Err.Error()); t != ErrorTypeUnknown {
			return t
		}
		return ErrorTypeExecution
	}
	return c.ClassifyMessage(err.Error())
}

// ClassifyMessage applies the keyword rules to a message.
func (c *KeywordClassifier) ClassifyMessage(msg string) ErrorType {
	msg = strings.ToLower(msg)
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(msg, kw) {
				return rule.Type
			}
		}
	}
	return ErrorTypeUnknown
}
