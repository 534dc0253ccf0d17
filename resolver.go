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
	"io"
	"sync"
	"time"

	"github.com/bufbuild/grpcnacos/internal"
	"github.com/bufbuild/grpcnacos/internal/serializer"
	"github.com/bufbuild/grpcnacos/registry"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/status"
)

// noSubscriptionReason is reported when the resolver has no link to the
// registry.
const noSubscriptionReason = "Resolver transient failure"

type resolverState int

const (
	stateConstructed resolverState = iota
	stateActive
	stateShuttingDown
	stateTerminated
)

// nacosResolver resolves one target. It holds at most one registry
// subscription, created when the resolver is built and released by Close.
//
// Work triggered by the registry (pushes) or by the client conn
// (ResolveNow) runs on the serializer, one task at a time. The initial
// resolution in start runs on the caller's goroutine, so its report may
// reach the client conn before or after that of an early push.
type nacosResolver struct {
	target             Target
	cc                 resolver.ClientConn
	channel            channelConfig
	logger             zerolog.Logger
	metrics            *metrics
	clock              internal.Clock
	minRefreshInterval time.Duration

	ctx        context.Context //nolint:containedctx
	cancel     context.CancelFunc
	serializer *serializer.Serializer

	// Set during construction and never changed. Both are nil when the
	// registry could not be reached or the subscription failed.
	client       registry.Client
	subscription io.Closer

	// mu is held while reporting so that nothing is reported once Close
	// has begun.
	mu sync.Mutex
	// +checklocks:mu
	state resolverState

	refreshMu sync.Mutex
	// +checklocks:refreshMu
	lastRefresh time.Time
}

func newResolver(
	target parsedTarget,
	cc resolver.ClientConn,
	channel channelConfig,
	opts *builderOptions,
) *nacosResolver {
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.logger.With().
		Str("component", "nacos_resolver").
		Str("service", target.Service).
		Str("group", target.Group).
		Logger()
	r := &nacosResolver{
		target:             target.Target,
		cc:                 cc,
		channel:            channel,
		logger:             logger,
		metrics:            newMetrics(opts.meterProvider, target.Target, logger),
		clock:              opts.clock,
		minRefreshInterval: opts.minRefreshInterval,
		ctx:                ctx,
		cancel:             cancel,
		serializer:         serializer.New(ctx),
		state:              stateConstructed,
	}
	r.logger.Debug().Strs("servers", target.registryConfig.ServerAddrs).Msg("resolver created")
	r.subscribe(opts.factory, target.registryConfig)
	r.mu.Lock()
	r.state = stateActive
	r.mu.Unlock()
	return r
}

// subscribe connects to the registry and subscribes to the target. On
// failure the resolver stays usable but without a subscription; start then
// reports a transient failure.
func (r *nacosResolver) subscribe(factory registry.Factory, config registry.Config) {
	client, err := factory(config)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to create registry client")
		return
	}
	subscription, err := client.Subscribe(r.target.Service, r.target.Group, &listener{resolver: r})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to subscribe to service")
		if err := client.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close registry client")
		}
		return
	}
	r.client = client
	r.subscription = subscription
}

// start performs the initial resolution. It blocks until the registry
// answers and reports exactly one result.
func (r *nacosResolver) start() {
	if r.client == nil {
		r.reportFailure(r.ctx, triggerStart, noSubscriptionReason)
		return
	}
	r.refreshMu.Lock()
	r.lastRefresh = r.clock.Now()
	r.refreshMu.Unlock()
	r.resolve(r.ctx, triggerStart)
}

// ResolveNow implements resolver.Resolver. It schedules a fetch of the
// current instances, unless one was made within the minimum refresh
// interval. Nothing is retried on its own; a later ResolveNow is the only
// way to fetch again.
func (r *nacosResolver) ResolveNow(resolver.ResolveNowOptions) {
	if r.client == nil {
		return
	}
	r.refreshMu.Lock()
	if r.minRefreshInterval > 0 && !r.lastRefresh.IsZero() &&
		r.clock.Since(r.lastRefresh) < r.minRefreshInterval {
		r.refreshMu.Unlock()
		r.logger.Debug().Msg("re-resolution throttled")
		return
	}
	r.lastRefresh = r.clock.Now()
	r.refreshMu.Unlock()

	r.serializer.TrySchedule(func(ctx context.Context) {
		if r.isClosing() {
			return
		}
		r.resolve(ctx, triggerRefresh)
	})
}

// ResetBackoff clears the re-resolution throttle, so that the next
// ResolveNow fetches immediately. The resolver has no other backoff state.
func (r *nacosResolver) ResetBackoff() {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	r.lastRefresh = time.Time{}
}

// Close implements resolver.Resolver. It cancels the subscription and
// closes the registry client. Tasks already queued still run but report
// nothing.
func (r *nacosResolver) Close() {
	r.mu.Lock()
	if r.state >= stateShuttingDown {
		r.mu.Unlock()
		return
	}
	r.state = stateShuttingDown
	r.mu.Unlock()

	r.cancel()
	if r.subscription != nil {
		if err := r.subscription.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to cancel subscription")
		}
	}
	if r.client != nil {
		if err := r.client.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close registry client")
		}
	}

	r.mu.Lock()
	r.state = stateTerminated
	r.mu.Unlock()
	r.logger.Debug().Msg("resolver closed")
}

// onPush is called by the listener, on a goroutine owned by the registry
// client. It must not block.
func (r *nacosResolver) onPush(instances []registry.Instance) {
	snapshot := registry.Clone(instances)
	scheduled := r.serializer.TrySchedule(func(ctx context.Context) {
		r.logger.Debug().Int("instances", len(snapshot)).Msg("instances pushed")
		r.report(ctx, triggerPush, snapshot)
	})
	if !scheduled {
		r.logger.Debug().Msg("push ignored after close")
	}
}

func (r *nacosResolver) resolve(ctx context.Context, trigger trigger) {
	instances, err := r.client.FetchAll(ctx, r.target.Service, r.target.Group)
	if err != nil {
		r.logger.Warn().Err(err).Str("trigger", string(trigger)).Msg("failed to fetch instances")
		r.reportFailure(ctx, trigger, err.Error())
		return
	}
	r.report(ctx, trigger, instances)
}

func (r *nacosResolver) report(ctx context.Context, trigger trigger, instances []registry.Instance) {
	state := buildState(instances, r.channel)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state >= stateShuttingDown {
		return
	}
	r.metrics.recordSuccess(ctx, trigger, len(state.Addresses))
	r.logger.Info().
		Str("trigger", string(trigger)).
		Int("instances", len(instances)).
		Int("addresses", len(state.Addresses)).
		Msg("resolved addresses")
	if err := r.cc.UpdateState(state); err != nil {
		// The channel asks for re-resolution on its own when it rejects
		// an update.
		r.logger.Debug().Err(err).Msg("client conn rejected resolver state")
	}
}

func (r *nacosResolver) reportFailure(ctx context.Context, trigger trigger, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state >= stateShuttingDown {
		return
	}
	r.metrics.recordFailure(ctx, trigger)
	r.cc.ReportError(status.Error(codes.Unavailable, reason))
}

func (r *nacosResolver) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state >= stateShuttingDown
}
