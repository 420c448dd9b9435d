package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/relaykit/relay.go/rlog"
)

// PublishError reports a non-2xx response to a stateless publish call.
// It is logged and never retried at this layer; retry is the caller's
// responsibility.
type PublishError struct {
	Status int
	Body   string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("transport: publish rejected with status %d: %s", e.Status, e.Body)
}

// Publication is the body of one stateless publish call.
type Publication struct {
	ID       string      `json:"id"`
	Channel  string      `json:"channel"`
	Event    string      `json:"event,omitempty"`
	Msg      interface{} `json:"msg,omitempty"`
	Message  interface{} `json:"message,omitempty"`
	Password string      `json:"password"`
}

// Publisher performs one independent HTTP call per publish against the
// region's HTTPS base URL.
type Publisher struct {
	base    string
	client  *http.Client
	headers http.Header
	log     *logging.Logger
}

type PublisherOption func(*Publisher)

func WithHTTPClient(c *http.Client) PublisherOption {
	return func(p *Publisher) {
		p.client = c
	}
}

func WithPublisherHeaders(headers http.Header) PublisherOption {
	return func(p *Publisher) {
		for k, v := range headers {
			p.headers[k] = v
		}
	}
}

func WithPublisherLogger(l *logging.Logger) PublisherOption {
	return func(p *Publisher) {
		p.log = l
	}
}

func NewPublisher(base string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		base:    base,
		client:  &http.Client{Timeout: 30 * time.Second},
		headers: make(http.Header),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.log == nil {
		p.log = rlog.Default().GetLogger("transport/publish")
	}

	return p
}

// PublishEvent posts a named event to the channel.
func (p *Publisher) PublishEvent(ctx context.Context, pub Publication) error {
	return p.post(ctx, "/emit-event", pub)
}

// PublishMessage posts a bare message to the channel.
func (p *Publisher) PublishMessage(ctx context.Context, pub Publication) error {
	return p.post(ctx, "/emit-message", pub)
}

func (p *Publisher) post(ctx context.Context, path string, pub Publication) error {
	body, err := json.Marshal(pub)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, values := range p.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warningf("publish to %s failed: %v", path, err)
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &PublishError{Status: resp.StatusCode, Body: string(respBody)}
		p.log.Warningf("%v", perr)
		return perr
	}

	p.log.Debugf("published to %s: %s", path, string(respBody))
	return nil
}
