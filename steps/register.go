package steps

import (
	"context"
	"errors"

	"github.com/cucumber/godog"
)

// StepRegistry maps step expressions to handlers. *godog.ScenarioContext
// satisfies it.
type StepRegistry interface {
	Step(expr, stepFunc interface{})
}

type stepDef struct {
	pattern string
	handler interface{}
}

// docStringKey carries the doc string of the running step.
type docStringKey struct{}

// CaptureDocStrings makes the doc string of each step available to handlers
// whose doc string is optional. Without it those steps behave as if no doc
// string was given.
func CaptureDocStrings(sc *godog.ScenarioContext) {
	sc.StepContext().Before(func(ctx context.Context, st *godog.Step) (context.Context, error) {
		var doc *godog.DocString
		if st.Argument != nil {
			doc = st.Argument.DocString
		}
		return context.WithValue(ctx, docStringKey{}, doc), nil
	})
}

func docString(ctx context.Context) *godog.DocString {
	doc, _ := ctx.Value(docStringKey{}).(*godog.DocString)
	return doc
}

var errNoBody = errors.New("step needs a doc string with the message body")

// RegisterSteps binds the broker vocabulary to c.
func (c *BrokerContext) RegisterSteps(reg StepRegistry) {
	for _, def := range c.steps() {
		reg.Step(def.pattern, def.handler)
	}
}

func (c *BrokerContext) steps() []stepDef {
	return []stepDef{
		{`^there is a queue "([^"]*)"$`, c.DeclareQueue},
		{`^there is an exchange "([^"]*)"$`, c.DeclareExchange},
		{`^the queue "([^"]*)" is empty$`, c.PurgeQueue},
		{`^I send a message to queue "([^"]*)"$`, c.sendToQueue},
		{`^I send a message to exchange "([^"]*)" with key "([^"]*)"$`, c.sendToExchange},
		{`^there should be a message in queue "([^"]*)"$`, c.thereShouldBeAMessage},
		{`^queue "([^"]*)" bound to exchange "([^"]*)" with "([^"]*)"$`, c.bindWithKey},
		{`^queue "([^"]*)" bound to exchange "([^"]*)"$`, c.bind},
		{`^the message in queue "([^"]*)" contains$`, c.messageContains},

		{`^the queue "([^"]*)" should exist$`, c.AssertQueueExists},
		{`^the exchange "([^"]*)" should exist$`, c.AssertExchangeExists},
		{`^the queue "([^"]*)" should have (\d+) messages?$`, c.AssertQueueLength},
		{`^queue "([^"]*)" should be bound to exchange "([^"]*)" with "([^"]*)"$`, c.shouldBeBound},
	}
}

func (c *BrokerContext) sendToQueue(queueName string, body *godog.DocString) error {
	if body == nil {
		return errNoBody
	}
	return c.PublishToQueue(queueName, body.Content)
}

func (c *BrokerContext) sendToExchange(exchange, key string, body *godog.DocString) error {
	if body == nil {
		return errNoBody
	}
	return c.Publish(exchange, key, body.Content)
}

func (c *BrokerContext) thereShouldBeAMessage(ctx context.Context, queueName string) error {
	return c.AssertMessageReceived(expectation(queueName, docString(ctx)))
}

func (c *BrokerContext) messageContains(ctx context.Context, queueName string) error {
	return c.AssertMessageContains(expectation(queueName, docString(ctx)))
}

func (c *BrokerContext) bind(queueName, exchange string) error {
	return c.BindQueue(Binding{Queue: queueName, Exchange: exchange})
}

func (c *BrokerContext) bindWithKey(queueName, exchange, key string) error {
	return c.BindQueue(Binding{Queue: queueName, Exchange: exchange, Key: key, HasKey: true})
}

func (c *BrokerContext) shouldBeBound(queueName, exchange, key string) error {
	return c.AssertBound(Binding{Queue: queueName, Exchange: exchange, Key: key, HasKey: true})
}
