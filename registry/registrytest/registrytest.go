// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registrytest provides an in-memory registry.Client for testing
// code that resolves through a registry.
package registrytest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/bufbuild/grpcnacos/registry"
)

// ErrClosed is returned by a Client's methods after it has been closed.
var ErrClosed = errors.New("registrytest: client closed")

type serviceKey struct {
	service, group string
}

// Client is an in-memory registry.Client. Instances are set with
// SetInstances and delivered to subscribers with Push. Push notifies
// listeners synchronously, on the calling goroutine, which stands in for the
// registry's own callback goroutine.
//
// Use Factory to plug a Client into code that creates its registry client
// from a registry.Config.
type Client struct {
	mu sync.Mutex
	// +checklocks:mu
	instances map[serviceKey][]registry.Instance
	// +checklocks:mu
	listeners map[serviceKey][]*subscription
	// +checklocks:mu
	fetchErr error
	// +checklocks:mu
	subscribeErr error
	// +checklocks:mu
	fetchHook func()
	// +checklocks:mu
	fetches int
	// +checklocks:mu
	configs []registry.Config
	// +checklocks:mu
	closed bool
}

// NewClient creates an empty Client.
func NewClient() *Client {
	return &Client{
		instances: map[serviceKey][]registry.Instance{},
		listeners: map[serviceKey][]*subscription{},
	}
}

// Factory returns a registry.Factory that always yields c. The
// configurations it is called with are available from Configs.
func (c *Client) Factory() registry.Factory {
	return func(cfg registry.Config) (registry.Client, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.configs = append(c.configs, cfg)
		return c, nil
	}
}

// FailingFactory returns a registry.Factory that always fails with err, as
// if the registry could not be reached.
func FailingFactory(err error) registry.Factory {
	return func(registry.Config) (registry.Client, error) {
		return nil, err
	}
}

// Configs returns the configurations the Factory has been called with.
func (c *Client) Configs() []registry.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]registry.Config(nil), c.configs...)
}

// SetInstances replaces the instances of a service without notifying
// subscribers.
func (c *Client) SetInstances(service, group string, instances ...registry.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[serviceKey{service, group}] = registry.Clone(instances)
}

// Push replaces the instances of a service and notifies every subscriber.
// It returns the number of listeners notified.
func (c *Client) Push(service, group string, instances ...registry.Instance) int {
	key := serviceKey{service, group}
	c.mu.Lock()
	c.instances[key] = registry.Clone(instances)
	subs := append([]*subscription(nil), c.listeners[key]...)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.listener.OnChange(registry.Clone(instances))
	}
	return len(subs)
}

// SetFetchError makes subsequent calls to FetchAll fail with err. A nil err
// restores normal behavior.
func (c *Client) SetFetchError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr = err
}

// SetSubscribeError makes subsequent calls to Subscribe fail with err.
func (c *Client) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
}

// SetFetchHook installs a function that FetchAll calls before reading the
// instances, outside of any lock. Tests use it to interleave pushes with a
// fetch in progress.
func (c *Client) SetFetchHook(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchHook = hook
}

// Fetches returns the number of FetchAll calls made so far.
func (c *Client) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// Subscribers returns the number of live subscriptions to a service.
func (c *Client) Subscribers(service, group string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[serviceKey{service, group}])
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FetchAll implements registry.Client.
func (c *Client) FetchAll(ctx context.Context, service, group string) ([]registry.Instance, error) {
	c.mu.Lock()
	c.fetches++
	hook := c.fetchHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return registry.Clone(c.instances[serviceKey{service, group}]), nil
}

// Subscribe implements registry.Client.
func (c *Client) Subscribe(service, group string, listener registry.Listener) (io.Closer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	key := serviceKey{service, group}
	sub := &subscription{client: c, key: key, listener: listener}
	c.listeners[key] = append(c.listeners[key], sub)
	return sub, nil
}

// Close implements registry.Client. It drops every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	clear(c.listeners)
	return nil
}

type subscription struct {
	client   *Client
	key      serviceKey
	listener registry.Listener
}

func (s *subscription) Close() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	subs := s.client.listeners[s.key]
	for i, sub := range subs {
		if sub == s {
			s.client.listeners[s.key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
