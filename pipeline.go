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
	"cmp"
	"net/netip"
	"slices"
	"strconv"

	"github.com/bufbuild/grpcnacos/registry"
	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"
)

// CreatedTimeKey is the instance metadata key holding the instance's
// creation time, as a decimal integer. Resolved addresses are ordered by it.
const CreatedTimeKey = "createdTime"

// channelConfig is sent unchanged with every resolved address list.
type channelConfig struct {
	serviceConfig *serviceconfig.ParseResult
	attributes    *attributes.Attributes
}

// buildState turns a registry snapshot into the state reported to the
// client conn. Unhealthy instances are dropped, the rest are ordered by
// creation time (oldest first, ties in input order), and instances whose
// address cannot be used are skipped. The result depends only on the input.
func buildState(instances []registry.Instance, config channelConfig) resolver.State {
	type candidate struct {
		instance    registry.Instance
		createdTime int64
	}
	candidates := make([]candidate, 0, len(instances))
	for _, instance := range instances {
		if !instance.Healthy {
			continue
		}
		candidates = append(candidates, candidate{
			instance:    instance,
			createdTime: createdTime(instance),
		})
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(a.createdTime, b.createdTime)
	})

	addresses := make([]resolver.Address, 0, len(candidates))
	for _, c := range candidates {
		hostPort, ok := instanceHostPort(c.instance)
		if !ok {
			continue
		}
		addresses = append(addresses, resolver.Address{
			Addr:       hostPort,
			Attributes: attributes.New(metadataKey{}, Metadata(c.instance.Metadata).clone()),
		})
	}
	endpoints := make([]resolver.Endpoint, len(addresses))
	for i, address := range addresses {
		endpoints[i] = resolver.Endpoint{Addresses: []resolver.Address{address}}
	}
	return resolver.State{
		Addresses:     addresses,
		Endpoints:     endpoints,
		ServiceConfig: config.serviceConfig,
		Attributes:    config.attributes,
	}
}

// createdTime is 0 when the metadata value is missing or not an integer.
func createdTime(instance registry.Instance) int64 {
	value, err := strconv.ParseInt(instance.Metadata[CreatedTimeKey], 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func instanceHostPort(instance registry.Instance) (string, bool) {
	addr, err := netip.ParseAddr(instance.Host)
	if err != nil {
		return "", false
	}
	if instance.Port == 0 || instance.Port > 65535 {
		return "", false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(instance.Port)).String(), true
}
