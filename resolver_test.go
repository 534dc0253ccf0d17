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

package grpcnacos

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/grpcnacos/internal/clocktest"
	"github.com/bufbuild/grpcnacos/registry"
	"github.com/bufbuild/grpcnacos/registry/registrytest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"
	"google.golang.org/grpc/status"
)

func TestResolverStartReportsInstances(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	client.SetInstances("greeter", DefaultGroup,
		instance("10.0.0.2", true, "200"),
		instance("10.0.0.1", true, "100"),
		instance("10.0.0.3", false, "50"),
	)
	cc := newTestClientConn()
	buildResolver(t, "nacos://127.0.0.1:8848/greeter", cc, WithRegistryFactory(client.Factory()))

	state := cc.awaitState(t)
	assert.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:8080"}, addrs(state))
	target, ok := TargetFromState(state)
	require.True(t, ok)
	assert.Equal(t, Target{Service: "greeter", Group: DefaultGroup}, target)
	cc.assertNoResult(t)

	assert.Equal(t, 1, client.Fetches())
	assert.Equal(t, 1, client.Subscribers("greeter", DefaultGroup))
}

func TestResolverGroupAndNamespaceFromTarget(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	client.SetInstances("greeter", "canary", instance("10.0.0.7", true, ""))
	cc := newTestClientConn()
	buildResolver(t, "nacos://10.0.0.10,10.0.0.11:9848/greeter?group=canary&namespace=dev", cc,
		WithRegistryFactory(client.Factory()),
		WithRegistryConfig(registry.Config{TimeoutMs: 1000}),
	)

	state := cc.awaitState(t)
	assert.Equal(t, []string{"10.0.0.7:8080"}, addrs(state))
	target, ok := TargetFromState(state)
	require.True(t, ok)
	assert.Equal(t, Target{Service: "greeter", Group: "canary", Namespace: "dev"}, target)
	assert.Equal(t, 1, client.Subscribers("greeter", "canary"))

	configs := client.Configs()
	require.Len(t, configs, 1)
	assert.Equal(t, registry.Config{
		ServerAddrs: []string{"10.0.0.10:8848", "10.0.0.11:9848"},
		Namespace:   "dev",
		TimeoutMs:   1000,
	}, configs[0])
}

func TestResolverDefaultGroupOption(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	cc := newTestClientConn()
	buildResolver(t, "nacos:///greeter", cc,
		WithRegistryFactory(client.Factory()),
		WithDefaultGroup("blue"),
		WithNamespace("prod"),
		WithRegistryConfig(registry.Config{ServerAddrs: []string{"10.0.0.1:8848"}}),
	)

	state := cc.awaitState(t)
	assert.Empty(t, state.Addresses)
	target, ok := TargetFromState(state)
	require.True(t, ok)
	assert.Equal(t, Target{Service: "greeter", Group: "blue", Namespace: "prod"}, target)
	configs := client.Configs()
	require.Len(t, configs, 1)
	assert.Equal(t, []string{"10.0.0.1:8848"}, configs[0].ServerAddrs)
}

func TestResolverPushReportsEveryNotification(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	client.SetInstances("greeter", DefaultGroup, instance("10.0.0.1", true, "1"))
	cc := newTestClientConn()
	buildResolver(t, "nacos://127.0.0.1/greeter", cc, WithRegistryFactory(client.Factory()))
	assert.Equal(t, []string{"10.0.0.1:8080"}, addrs(cc.awaitState(t)))

	pushes := [][]registry.Instance{
		{instance("10.0.0.1", true, "1"), instance("10.0.0.2", true, "2")},
		{instance("10.0.0.1", true, "1"), instance("10.0.0.2", true, "2")},
		{instance("10.0.0.2", true, "2"), instance("10.0.0.1", false, "1")},
		nil,
	}
	for _, push := range pushes {
		require.Equal(t, 1, client.Push("greeter", DefaultGroup, push...))
	}
	assert.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:8080"}, addrs(cc.awaitState(t)))
	assert.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:8080"}, addrs(cc.awaitState(t)))
	assert.Equal(t, []string{"10.0.0.2:8080"}, addrs(cc.awaitState(t)))
	assert.Empty(t, addrs(cc.awaitState(t)))
	cc.assertNoResult(t)

	// Pushes never trigger a fetch.
	assert.Equal(t, 1, client.Fetches())
}

func TestResolverConcurrentPushes(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	cc := newTestClientConn()
	buildResolver(t, "nacos://127.0.0.1/greeter", cc, WithRegistryFactory(client.Factory()))
	cc.awaitState(t)

	const pushers, pushesEach = 8, 10
	var grp errgroup.Group
	for n := 0; n < pushers; n++ {
		grp.Go(func() error {
			for n := 0; n < pushesEach; n++ {
				client.Push("greeter", DefaultGroup, instance("10.0.0.1", true, "1"))
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())
	for n := 0; n < pushers*pushesEach; n++ {
		assert.Equal(t, []string{"10.0.0.1:8080"}, addrs(cc.awaitState(t)))
	}
	cc.assertNoResult(t)
}

func TestResolverPushDuringStart(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	client.SetInstances("greeter", DefaultGroup, instance("10.0.0.1", true, "1"))
	var once sync.Once
	client.SetFetchHook(func() {
		once.Do(func() {
			client.Push("greeter", DefaultGroup, instance("10.0.0.2", true, "1"))
		})
	})
	cc := newTestClientConn()
	buildResolver(t, "nacos://127.0.0.1/greeter", cc, WithRegistryFactory(client.Factory()))

	// The push and the initial fetch may be reported in either order, but
	// each is reported exactly once.
	got := [][]string{addrs(cc.awaitState(t)), addrs(cc.awaitState(t))}
	assert.ElementsMatch(t, [][]string{{"10.0.0.2:8080"}, {"10.0.0.2:8080"}}, got)
	cc.assertNoResult(t)
}

func TestResolverRegistryUnreachable(t *testing.T) {
	t.Parallel()

	cc := newTestClientConn()
	r := buildResolver(t, "nacos://127.0.0.1:1/greeter", cc,
		WithRegistryFactory(registrytest.FailingFactory(errors.New("connection refused"))),
	)

	err := cc.awaitError(t)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, "Resolver transient failure", status.Convert(err).Message())
	cc.assertNoResult(t)

	// Without a subscription there is nothing to re-resolve.
	r.ResolveNow(resolver.ResolveNowOptions{})
	cc.assertNoResult(t)
}

func TestResolverNoServers(t *testing.T) {
	t.Parallel()

	// The default factory refuses an empty server list without dialing.
	cc := newTestClientConn()
	buildResolver(t, "nacos:///greeter", cc)

	err := cc.awaitError(t)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, "Resolver transient failure", status.Convert(err).Message())
}

func TestResolverSubscribeFailure(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	client.SetSubscribeError(errors.New("subscribe rejected"))
	client.SetInstances("greeter", DefaultGroup, instance("10.0.0.1", true, "1"))
	cc := newTestClientConn()
	buildResolver(t, "nacos://127.0.0.1/greeter", cc, WithRegistryFactory(client.Factory()))

	err := cc.awaitError(t)
	assert.Equal(t, "Resolver transient failure", status.Convert(err).Message())
	assert.True(t, client.Closed())
	assert.Zero(t, client.Fetches())
}

func TestResolverFetchFailure(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	client.SetFetchError(errors.New("server is DOWN now"))
	cc := newTestClientConn()
	clock := clocktest.NewFakeClock()
	r := buildResolver(t, "nacos://127.0.0.1/greeter", cc,
		WithRegistryFactory(client.Factory()),
		WithClock(clock),
	)

	err := cc.awaitError(t)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, "server is DOWN now", status.Convert(err).Message())
	cc.assertNoResult(t)

	// The subscription survives a failed fetch; pushes still resolve.
	client.Push("greeter", DefaultGroup, instance("10.0.0.1", true, "1"))
	assert.Equal(t, []string{"10.0.0.1:8080"}, addrs(cc.awaitState(t)))

	// And the channel may ask again.
	client.SetFetchError(nil)
	clock.Advance(defaultMinRefreshInterval)
	r.ResolveNow(resolver.ResolveNowOptions{})
	assert.Equal(t, []string{"10.0.0.1:8080"}, addrs(cc.awaitState(t)))
	assert.Equal(t, 2, client.Fetches())
}

func TestResolverResolveNowThrottle(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	client.SetInstances("greeter", DefaultGroup, instance("10.0.0.1", true, "1"))
	cc := newTestClientConn()
	clock := clocktest.NewFakeClock()
	r := buildResolver(t, "nacos://127.0.0.1/greeter", cc,
		WithRegistryFactory(client.Factory()),
		WithClock(clock),
		WithMinRefreshInterval(time.Minute),
	)
	cc.awaitState(t)

	// Too soon after the initial fetch.
	r.ResolveNow(resolver.ResolveNowOptions{})
	cc.assertNoResult(t)
	assert.Equal(t, 1, client.Fetches())

	clock.Advance(time.Minute)
	client.SetInstances("greeter", DefaultGroup, instance("10.0.0.2", true, "1"))
	r.ResolveNow(resolver.ResolveNowOptions{})
	assert.Equal(t, []string{"10.0.0.2:8080"}, addrs(cc.awaitState(t)))
	r.ResolveNow(resolver.ResolveNowOptions{})
	cc.assertNoResult(t)
	assert.Equal(t, 2, client.Fetches())

	r.ResetBackoff()
	r.ResolveNow(resolver.ResolveNowOptions{})
	assert.Equal(t, []string{"10.0.0.2:8080"}, addrs(cc.awaitState(t)))
	assert.Equal(t, 3, client.Fetches())
}

func TestResolverCloseStopsReports(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	cc := newTestClientConn()
	r := buildResolver(t, "nacos://127.0.0.1/greeter", cc,
		WithRegistryFactory(client.Factory()),
		WithMinRefreshInterval(0),
	)
	cc.awaitState(t)

	r.Close()
	assert.True(t, client.Closed())
	assert.Zero(t, client.Subscribers("greeter", DefaultGroup))
	select {
	case <-r.serializer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("serializer did not stop")
	}

	// A listener callback that races Close is ignored.
	(&listener{resolver: r}).OnChange([]registry.Instance{instance("10.0.0.1", true, "1")})
	r.ResolveNow(resolver.ResolveNowOptions{})
	cc.assertNoResult(t)
	assert.Equal(t, 1, client.Fetches())

	// Close is idempotent.
	r.Close()
}

func TestResolverQueuedPushAfterClose(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	cc := newTestClientConn()
	r := buildResolver(t, "nacos://127.0.0.1/greeter", cc, WithRegistryFactory(client.Factory()))
	cc.awaitState(t)

	// Hold the serializer so the push stays queued until after Close.
	release := make(chan struct{})
	require.True(t, r.serializer.TrySchedule(func(context.Context) { <-release }))
	require.Equal(t, 1, client.Push("greeter", DefaultGroup, instance("10.0.0.1", true, "1")))
	r.Close()
	close(release)

	select {
	case <-r.serializer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("serializer did not stop")
	}
	cc.assertNoResult(t)
}

func TestBuildInvalidTarget(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	builder := NewBuilder(WithLogger(zerolog.Nop()), WithRegistryFactory(client.Factory()))
	for _, target := range []string{"nacos://127.0.0.1", "nacos://127.0.0.1/", "nacos:///"} {
		_, err := builder.Build(parseResolverTarget(t, target), newTestClientConn(), resolver.BuildOptions{})
		require.ErrorIs(t, err, ErrNoServiceName, target)
	}
	_, err := builder.Build(parseResolverTarget(t, "nacos://127.0.0.1:0/greeter"), newTestClientConn(), resolver.BuildOptions{})
	require.Error(t, err)
	assert.Empty(t, client.Configs())
}

func TestBuildServiceConfig(t *testing.T) {
	t.Parallel()

	client := registrytest.NewClient()
	client.SetInstances("greeter", DefaultGroup, instance("10.0.0.1", true, "1"))
	const serviceConfig = `{"loadBalancingConfig":[{"round_robin":{}}]}`
	cc := newTestClientConn()
	buildResolver(t, "nacos://127.0.0.1/greeter", cc,
		WithRegistryFactory(client.Factory()),
		WithServiceConfig(serviceConfig),
	)
	state := cc.awaitState(t)
	require.NotNil(t, state.ServiceConfig)
	require.NoError(t, state.ServiceConfig.Err)
	assert.Equal(t, testServiceConfig{raw: serviceConfig}, state.ServiceConfig.Config)

	client.Push("greeter", DefaultGroup, instance("10.0.0.1", true, "1"))
	assert.Same(t, state.ServiceConfig, cc.awaitState(t).ServiceConfig)

	builder := NewBuilder(
		WithLogger(zerolog.Nop()),
		WithRegistryFactory(client.Factory()),
		WithServiceConfig(invalidServiceConfig),
	)
	_, err := builder.Build(parseResolverTarget(t, "nacos://127.0.0.1/greeter"), newTestClientConn(), resolver.BuildOptions{})
	require.Error(t, err)
}

func TestBuilderScheme(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "nacos", NewBuilder().Scheme())
}

func buildResolver(t *testing.T, target string, cc *testClientConn, opts ...Option) *nacosResolver {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	r, err := NewBuilder(opts...).Build(parseResolverTarget(t, target), cc, resolver.BuildOptions{})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	nacos, ok := r.(*nacosResolver)
	require.True(t, ok)
	return nacos
}

func parseResolverTarget(t *testing.T, target string) resolver.Target {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)
	return resolver.Target{URL: *u}
}

const invalidServiceConfig = "invalid"

type testResult struct {
	state resolver.State
	err   error
}

// testClientConn records every state and error reported to it.
type testClientConn struct {
	resolver.ClientConn // unimplemented methods panic

	results chan testResult
}

func newTestClientConn() *testClientConn {
	return &testClientConn{results: make(chan testResult, 256)}
}

func (cc *testClientConn) UpdateState(state resolver.State) error {
	cc.results <- testResult{state: state}
	return nil
}

func (cc *testClientConn) ReportError(err error) {
	cc.results <- testResult{err: err}
}

func (cc *testClientConn) ParseServiceConfig(serviceConfigJSON string) *serviceconfig.ParseResult {
	if serviceConfigJSON == invalidServiceConfig {
		return &serviceconfig.ParseResult{Err: errors.New("invalid service config")}
	}
	return &serviceconfig.ParseResult{Config: testServiceConfig{raw: serviceConfigJSON}}
}

func (cc *testClientConn) await(t *testing.T) testResult {
	t.Helper()
	select {
	case result := <-cc.results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("expected a result")
		return testResult{}
	}
}

func (cc *testClientConn) awaitState(t *testing.T) resolver.State {
	t.Helper()
	result := cc.await(t)
	require.NoError(t, result.err)
	return result.state
}

func (cc *testClientConn) awaitError(t *testing.T) error {
	t.Helper()
	result := cc.await(t)
	require.Error(t, result.err)
	return result.err
}

func (cc *testClientConn) assertNoResult(t *testing.T) {
	t.Helper()
	// Give any concurrent goroutine a chance to report.
	time.Sleep(50 * time.Millisecond)
	select {
	case result := <-cc.results:
		t.Fatalf("expected no result, got %+v", result)
	default:
	}
}

type testServiceConfig struct {
	serviceconfig.Config

	raw string
}
