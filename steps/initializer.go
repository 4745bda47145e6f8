package steps

import (
	"context"
	"fmt"

	"amqp-bdd/internal/config"

	"github.com/cucumber/godog"
)

// Initializer carries the connection settings shared by every scenario and
// opens each scenario's BrokerContext with them.
type Initializer struct {
	cfg  config.Config
	opts []Option
}

// NewInitializer validates the settings mapping. It requires the keys host,
// port, user, password and vhost; there are no defaults. The options are
// applied to every BrokerContext the initializer creates.
func NewInitializer(settings map[string]any, opts ...Option) (*Initializer, error) {
	cfg, err := config.FromMap(settings)
	if err != nil {
		return nil, fmt.Errorf("amqp settings: %w", err)
	}
	return &Initializer{cfg: cfg, opts: opts}, nil
}

func (i *Initializer) Config() config.Config {
	return i.cfg
}

// InitializeContext connects c when it is a *BrokerContext and does nothing
// for any other context.
func (i *Initializer) InitializeContext(c any) error {
	bc, ok := c.(*BrokerContext)
	if !ok {
		return nil
	}
	return bc.Init(i.cfg.Host, i.cfg.Port, i.cfg.User, i.cfg.Password, i.cfg.VHost)
}

// InitializeScenario is a godog scenario initializer. Each scenario gets its
// own BrokerContext, connected before the first step and closed after the
// last. A connection failure fails the scenario without running its steps.
func (i *Initializer) InitializeScenario(sc *godog.ScenarioContext) {
	bc := NewBrokerContext(i.opts...)

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		if err := i.InitializeContext(bc); err != nil {
			return ctx, fmt.Errorf("scenario %q: %w", s.Name, err)
		}
		return ctx, nil
	})
	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		return ctx, bc.Close()
	})

	CaptureDocStrings(sc)
	bc.RegisterSteps(sc)
}
