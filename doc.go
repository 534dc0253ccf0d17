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

// Package grpcnacos provides a gRPC name resolver backed by the Nacos
// naming service. It resolves targets of the form
//
//	nacos://<server>[,<server>...]/<service>[?group=<group>&namespace=<namespace>]
//
// into the addresses of the healthy instances registered for the service,
// and keeps them current by subscribing to the registry's change
// notifications.
//
// To use it for every channel, register it once during initialization:
//
//	grpcnacos.Register()
//	conn, err := grpc.NewClient("nacos://10.0.0.10:8848/greeter", ...)
//
// Or give a Builder to a single channel with grpc.WithResolvers.
//
// # Resolution
//
// Each resolver subscribes to its service when it is built, then fetches
// the current instances and reports them before Build returns. Every
// subsequent push from the registry is reported as a new, complete address
// list, one report per push, in the order the pushes arrived.
//
// Each instance set goes through the same steps. Instances the registry
// does not report as healthy are dropped. The rest are ordered by the
// integer in their "createdTime" metadata entry, oldest first; instances
// without one sort first, and instances with equal times keep the
// registry's order. This makes balancers that prefer the first addresses
// agree across clients. Finally, instances whose host is not an IP address
// or whose port is out of range are skipped. An empty list is reported as
// is; it is up to the channel to treat it as unavailable.
//
// # Failures
//
// If the registry cannot be reached when the resolver is built, or the
// initial fetch fails, the resolver reports an Unavailable error to the
// channel instead of addresses. It does not retry on its own: the channel
// calls ResolveNow, which fetches again, at most once per minimum refresh
// interval (see [WithMinRefreshInterval]).
//
// # Metadata
//
// The registry metadata of each instance is attached to its address and
// can be read by custom balancers with [InstanceMetadata]. The target is
// attached to every state and can be read with [TargetFromState].
package grpcnacos
