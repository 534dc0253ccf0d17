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

// Package registry defines the view of a service registry that the resolver
// consumes: a synchronous snapshot fetch and a push subscription. The Nacos
// naming service implementation is provided by NewNacosClient.
package registry

import (
	"context"
	"io"
	"maps"
)

// Instance is one endpoint of a service, as reported by the registry.
type Instance struct {
	// Host is the IP address the instance registered with.
	Host string
	// Port is the port the instance registered with.
	Port uint64
	// Healthy is the health flag reported by the registry. Instances that
	// are not healthy are never resolved.
	Healthy bool
	// Enabled reports whether the instance accepts traffic. It is carried
	// for callers; the resolver filters on Healthy only.
	Enabled bool
	// Weight is the registered load-balancing weight.
	Weight float64
	// Cluster is the registry cluster the instance belongs to.
	Cluster string
	// Metadata is the free-form metadata the instance registered with.
	Metadata map[string]string
}

// Client is a connection to a service registry.
type Client interface {
	// FetchAll returns every instance currently registered for the service
	// in the given group, healthy or not, in no particular order.
	FetchAll(ctx context.Context, service, group string) ([]Instance, error)
	// Subscribe registers listener for changes to the instances of the
	// service in the given group. Closing the returned io.Closer cancels the
	// subscription.
	Subscribe(service, group string, listener Listener) (io.Closer, error)
	// Close releases the connection to the registry.
	Close() error
}

// Listener receives pushed instance snapshots. OnChange may be called on any
// goroutine, any number of times, and with snapshots identical to ones
// already delivered. Each call carries the full set of instances (no deltas).
type Listener interface {
	OnChange(instances []Instance)
}

// ListenerFunc adapts an ordinary function to the Listener interface.
type ListenerFunc func(instances []Instance)

// OnChange calls f(instances).
func (f ListenerFunc) OnChange(instances []Instance) {
	f(instances)
}

// Factory creates a Client for the given configuration.
type Factory func(Config) (Client, error)

// Clone returns a deep copy of instances, so that the result shares no
// state with the registry that produced it.
func Clone(instances []Instance) []Instance {
	if instances == nil {
		return nil
	}
	clone := make([]Instance, len(instances))
	for i, instance := range instances {
		clone[i] = instance
		clone[i].Metadata = maps.Clone(instance.Metadata)
	}
	return clone
}
