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
	"os"
	"time"

	"github.com/bufbuild/grpcnacos/internal"
	"github.com/bufbuild/grpcnacos/registry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const defaultMinRefreshInterval = 5 * time.Second

// Option is an option used to customize the behavior of a Builder.
type Option interface {
	apply(*builderOptions)
}

// WithLogger configures the logger used by resolvers. If not specified,
// resolvers log JSON to stderr at info level.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(opts *builderOptions) {
		opts.logger = logger
	})
}

// WithRegistryFactory configures how resolvers connect to the registry. If
// not specified, [registry.NewNacosClient] is used.
func WithRegistryFactory(factory registry.Factory) Option {
	return optionFunc(func(opts *builderOptions) {
		opts.factory = factory
	})
}

// WithRegistryConfig configures the base registry configuration. The
// servers named in a target's authority and the namespace named in its
// query replace the corresponding fields of this configuration.
func WithRegistryConfig(config registry.Config) Option {
	return optionFunc(func(opts *builderOptions) {
		opts.registryConfig = config
	})
}

// WithDefaultGroup configures the group used for targets that do not name
// one in a "group" query parameter. If not specified, [DefaultGroup] is
// used.
func WithDefaultGroup(group string) Option {
	return optionFunc(func(opts *builderOptions) {
		opts.defaultGroup = group
	})
}

// WithNamespace configures the namespace used for targets that do not name
// one in a "namespace" query parameter. It takes precedence over the
// namespace of [WithRegistryConfig].
func WithNamespace(namespace string) Option {
	return optionFunc(func(opts *builderOptions) {
		opts.namespace = namespace
	})
}

// WithServiceConfig configures a JSON service config that is parsed once,
// when a resolver is built, and sent along with every set of addresses.
func WithServiceConfig(serviceConfigJSON string) Option {
	return optionFunc(func(opts *builderOptions) {
		opts.serviceConfigJSON = serviceConfigJSON
	})
}

// WithMinRefreshInterval configures the minimum amount of time between two
// re-resolutions requested through ResolveNow. Requests arriving sooner are
// dropped. If not specified, 5 seconds is used. A zero or negative interval
// disables the throttle.
func WithMinRefreshInterval(interval time.Duration) Option {
	return optionFunc(func(opts *builderOptions) {
		opts.minRefreshInterval = interval
	})
}

// WithMeterProvider configures the provider of the meter that records
// resolution metrics. If not specified, the global provider is used.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return optionFunc(func(opts *builderOptions) {
		opts.meterProvider = provider
	})
}

type optionFunc func(*builderOptions)

func (f optionFunc) apply(opts *builderOptions) {
	f(opts)
}

type builderOptions struct {
	logger             zerolog.Logger
	factory            registry.Factory
	registryConfig     registry.Config
	defaultGroup       string
	namespace          string
	serviceConfigJSON  string
	minRefreshInterval time.Duration
	meterProvider      metric.MeterProvider
	clock              internal.Clock
}

func newBuilderOptions(opts []Option) builderOptions {
	options := builderOptions{
		logger:             zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger(),
		factory:            registry.NewNacosClient,
		defaultGroup:       DefaultGroup,
		minRefreshInterval: defaultMinRefreshInterval,
		clock:              internal.NewRealClock(),
	}
	for _, opt := range opts {
		opt.apply(&options)
	}
	if options.meterProvider == nil {
		options.meterProvider = otel.GetMeterProvider()
	}
	return options
}
