package eventbus

import (
	"strings"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// SubjectPrefix roots every lifecycle subject. Subjects are
// <prefix>.<domain>.<saga type>.<action>.
const SubjectPrefix = "sagaflow.v1.lifecycle"

// Domain is the second-level subject segment: what kind of object changed.
type Domain string

const (
	DomainSaga         Domain = "saga"
	DomainStep         Domain = "step"
	DomainCompensation Domain = "compensation"
)

var segmentReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// segment keeps v a single literal subject segment.
func segment(v string) string {
	if v == "" {
		return "unknown"
	}
	return segmentReplacer.Replace(v)
}

func subject(parts ...string) string {
	return SubjectPrefix + "." + strings.Join(parts, ".")
}

// Subject names one event of a saga type. Segment values have dots and
// wildcard characters replaced so they stay a single segment.
func Subject(domain Domain, sagaType, action string) string {
	return subject(segment(string(domain)), segment(sagaType), segment(action))
}

// DomainWildcardSubject matches every event in domain.
func DomainWildcardSubject(domain Domain) string {
	return subject(segment(string(domain)), ">")
}

// SagaTypeWildcardSubject matches every event of one saga type in domain.
func SagaTypeWildcardSubject(domain Domain, sagaType string) string {
	return subject(segment(string(domain)), segment(sagaType), "*")
}

// SplitEventType maps "step.completed" to (step, completed). Types without a
// dot are treated as saga actions.
func SplitEventType(t saga.EventType) (Domain, string) {
	if domain, action, ok := strings.Cut(string(t), "."); ok {
		return Domain(domain), action
	}
	return DomainSaga, string(t)
}
