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
	"fmt"

	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"
)

// Builder creates resolvers for nacos:// targets. It implements
// resolver.Builder.
type Builder struct {
	opts builderOptions
}

var _ resolver.Builder = (*Builder)(nil)

// NewBuilder returns a Builder configured with the given options. Pass it
// to grpc.WithResolvers to use it for a single channel, or use Register to
// make it the process-wide handler of the nacos scheme.
func NewBuilder(opts ...Option) *Builder {
	return &Builder{opts: newBuilderOptions(opts)}
}

// Register registers a Builder with the given options as the handler of
// the nacos scheme. Like resolver.Register, it must only be called during
// initialization.
func Register(opts ...Option) {
	resolver.Register(NewBuilder(opts...))
}

// Scheme returns "nacos".
func (b *Builder) Scheme() string {
	return Scheme
}

// Build creates a resolver for target and performs its initial resolution
// before returning; this blocks until the registry answers. Failing to
// reach the registry is not an error: the resolver reports a transient
// failure to cc instead. Build fails only for targets that do not name a
// service or have a malformed server list, and for an invalid service
// config.
func (b *Builder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	parsed, err := parseTarget(target, &b.opts)
	if err != nil {
		b.opts.logger.Error().Err(err).Str("target", target.URL.String()).Msg("invalid nacos target")
		return nil, err
	}
	channel := channelConfig{
		attributes: attributes.New(targetKey{}, parsed.Target),
	}
	if b.opts.serviceConfigJSON != "" {
		serviceConfig := cc.ParseServiceConfig(b.opts.serviceConfigJSON)
		if serviceConfig.Err != nil {
			return nil, fmt.Errorf("invalid service config: %w", serviceConfig.Err)
		}
		channel.serviceConfig = serviceConfig
	}
	r := newResolver(parsed, cc, channel, &b.opts)
	r.start()
	return r, nil
}
