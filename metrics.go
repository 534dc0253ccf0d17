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

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/bufbuild/grpcnacos"

// trigger names what started a resolution attempt.
type trigger string

const (
	triggerStart   trigger = "start"
	triggerPush    trigger = "push"
	triggerRefresh trigger = "refresh"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "transient_failure"
)

type metrics struct {
	resolutions metric.Int64Counter
	addresses   metric.Int64Histogram
	attrs       attribute.Set
}

func newMetrics(provider metric.MeterProvider, target Target, logger zerolog.Logger) *metrics {
	meter := provider.Meter(meterName)
	resolutions, err := meter.Int64Counter(
		"grpcnacos.resolver.resolutions",
		metric.WithDescription("Resolution attempts reported to the client conn."),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create resolutions counter")
		resolutions = noop.Int64Counter{}
	}
	addresses, err := meter.Int64Histogram(
		"grpcnacos.resolver.addresses",
		metric.WithDescription("Number of addresses in each successful resolution."),
		metric.WithUnit("{address}"),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create addresses histogram")
		addresses = noop.Int64Histogram{}
	}
	return &metrics{
		resolutions: resolutions,
		addresses:   addresses,
		attrs: attribute.NewSet(
			attribute.String("nacos.service", target.Service),
			attribute.String("nacos.group", target.Group),
		),
	}
}

func (m *metrics) recordSuccess(ctx context.Context, trigger trigger, addresses int) {
	m.resolutions.Add(ctx, 1, metric.WithAttributeSet(m.attrs), metric.WithAttributes(
		attribute.String("trigger", string(trigger)),
		attribute.String("outcome", outcomeSuccess),
	))
	m.addresses.Record(ctx, int64(addresses), metric.WithAttributeSet(m.attrs))
}

func (m *metrics) recordFailure(ctx context.Context, trigger trigger) {
	m.resolutions.Add(ctx, 1, metric.WithAttributeSet(m.attrs), metric.WithAttributes(
		attribute.String("trigger", string(trigger)),
		attribute.String("outcome", outcomeFailure),
	))
}
