// Package mock is a scriptable provider for tests and local runs.
package mock

import (
	"context"
	"sync"

	"notification-gateway/internal/messages"
	"notification-gateway/internal/provider"
)

type call struct {
	Payload *messages.Payload
	Creds   provider.Credentials
}

type Provider struct {
	mu      sync.Mutex
	name    string
	results []provider.Result
	calls   []call
}

func New() *Provider {
	return &Provider{name: "mock"}
}

func (p *Provider) Name() string { return p.name }

// Script queues results to return in order; once exhausted, Send
// returns success.
func (p *Provider) Script(results ...provider.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, results...)
}

func (p *Provider) Send(ctx context.Context, payload *messages.Payload, creds provider.Credentials) provider.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call{Payload: payload, Creds: creds})
	if len(p.results) == 0 {
		return provider.Success()
	}
	result := p.results[0]
	p.results = p.results[1:]
	return result
}

// Calls returns how many sends were attempted.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// LastCreds returns the credentials used for the most recent call.
func (p *Provider) LastCreds() provider.Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return provider.Credentials{}
	}
	return p.calls[len(p.calls)-1].Creds
}
