package rabbitmq

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"amqp-bdd/internal/config"
	"amqp-bdd/internal/queue"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const defaultManagementPort = "15672"

// Management is a client for the RabbitMQ management HTTP API, scoped to the
// vhost of the connection settings.
type Management struct {
	httpURI  string
	vhost    string
	username string
	password string
	client   *resty.Client
}

// NewManagement derives the management endpoint from cfg. An explicit
// ManagementURI wins; otherwise the AMQP host is assumed to serve the API on
// the default management port. Credentials embedded in ManagementURI override
// the AMQP ones.
func NewManagement(cfg config.Config) *Management {
	m := &Management{
		vhost:    cfg.VHost,
		username: cfg.User,
		password: cfg.Password,
	}

	if cfg.ManagementURI != "" {
		parsed, err := url.Parse(cfg.ManagementURI)
		if err == nil && parsed.Host != "" {
			if parsed.User != nil {
				m.username = parsed.User.Username()
				if pwd, ok := parsed.User.Password(); ok {
					m.password = pwd
				}
			}
			m.httpURI = strings.TrimSuffix(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), "/")
		} else {
			m.httpURI = strings.TrimSuffix(cfg.ManagementURI, "/")
		}
	} else if cfg.Host != "" {
		m.httpURI = fmt.Sprintf("http://%s:%s", cfg.Host, defaultManagementPort)
	}

	m.client = resty.New().
		SetBaseURL(m.httpURI+"/api").
		SetBasicAuth(m.username, m.password).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)
	return m
}

func (m *Management) request() (*resty.Request, error) {
	if m.httpURI == "" {
		return nil, fmt.Errorf("management URI not configured - set AMQP_MANAGEMENT_URI or management_uri")
	}
	return m.client.R().SetPathParam("vhost", m.vhost), nil
}

func (m *Management) get(path string, params map[string]string) ([]byte, error) {
	req, err := m.request()
	if err != nil {
		return nil, err
	}
	resp, err := req.SetPathParams(params).Get(path)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// isSystemExchange checks if an exchange is a RabbitMQ system exchange
func isSystemExchange(name string) bool {
	return name == "" || strings.HasPrefix(name, "amq.")
}

// ListExchanges returns the user exchanges of the vhost.
func (m *Management) ListExchanges() ([]string, error) {
	body, err := m.get("/exchanges/{vhost}", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}

	var names []string
	gjson.GetBytes(body, "#.name").ForEach(func(_, name gjson.Result) bool {
		if !isSystemExchange(name.String()) {
			names = append(names, name.String())
		}
		return true
	})
	return names, nil
}

// ListQueues returns the queue names of the vhost.
func (m *Management) ListQueues() ([]string, error) {
	body, err := m.get("/queues/{vhost}", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	var names []string
	gjson.GetBytes(body, "#.name").ForEach(func(_, name gjson.Result) bool {
		names = append(names, name.String())
		return true
	})
	return names, nil
}

// ListBindings returns the exchange bindings of a queue. The implicit
// default-exchange binding is left out.
func (m *Management) ListBindings(queueName string) ([]queue.Binding, error) {
	body, err := m.get("/queues/{vhost}/{queue}/bindings", map[string]string{"queue": queueName})
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}

	var result []queue.Binding
	gjson.ParseBytes(body).ForEach(func(_, b gjson.Result) bool {
		source := b.Get("source").String()
		if source != "" {
			result = append(result, queue.Binding{
				Queue:      queueName,
				Exchange:   source,
				RoutingKey: b.Get("routing_key").String(),
			})
		}
		return true
	})
	return result, nil
}

// DeleteQueue deletes a queue; a missing queue is not an error.
func (m *Management) DeleteQueue(name string) error {
	return m.delete("queue", "/queues/{vhost}/{name}", name)
}

// DeleteExchange deletes a user exchange; a missing exchange is not an error.
func (m *Management) DeleteExchange(name string) error {
	if isSystemExchange(name) {
		return fmt.Errorf("cannot delete system exchange: %q", name)
	}
	return m.delete("exchange", "/exchanges/{vhost}/{name}", name)
}

func (m *Management) delete(kind, path, name string) error {
	req, err := m.request()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	resp, err := req.SetPathParam("name", name).Delete(path)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("failed to delete %s: HTTP %d", kind, resp.StatusCode())
	}
}
