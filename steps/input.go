package steps

import (
	"fmt"

	"github.com/cucumber/godog"
)

// Expectation is the input of the receive assertions. HasBody is false when
// the step carried no doc string.
type Expectation struct {
	Queue   string
	Body    string
	HasBody bool
}

func expectation(queueName string, doc *godog.DocString) Expectation {
	if doc == nil {
		return Expectation{Queue: queueName}
	}
	return Expectation{Queue: queueName, Body: doc.Content, HasBody: true}
}

// Binding is the input of the bind steps. HasKey is false when the step gave
// no routing key.
type Binding struct {
	Queue    string
	Exchange string
	Key      string
	HasKey   bool
}

// RoutingKey returns the explicit key, or the queue name when there is none.
func (b Binding) RoutingKey() string {
	if b.HasKey {
		return b.Key
	}
	return b.Queue
}

type MatchMode string

const (
	MatchExact    MatchMode = "exactly"
	MatchContains MatchMode = "containing"
)

// ContentMismatchError reports a delivered body that failed a content check.
type ContentMismatchError struct {
	Queue    string
	Expected string
	Actual   string
	Mode     MatchMode
}

func (e *ContentMismatchError) Error() string {
	return fmt.Sprintf("queue %q: expected message %s %q, got %q", e.Queue, e.Mode, e.Expected, e.Actual)
}
