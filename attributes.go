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
	"maps"

	"google.golang.org/grpc/resolver"
)

type metadataKey struct{}

type targetKey struct{}

// Metadata is the registry metadata of the instance behind a resolved
// address.
type Metadata map[string]string

// Equal reports whether o is a Metadata with the same entries. gRPC uses it
// to compare address attributes.
func (m Metadata) Equal(o any) bool {
	other, ok := o.(Metadata)
	return ok && maps.Equal(m, other)
}

func (m Metadata) clone() Metadata {
	return maps.Clone(m)
}

// InstanceMetadata returns the registry metadata of the instance an address
// was resolved from. Custom balancers can use it to prefer some instances
// over others.
func InstanceMetadata(address resolver.Address) (Metadata, bool) {
	if address.Attributes == nil {
		return nil, false
	}
	metadata, ok := address.Attributes.Value(metadataKey{}).(Metadata)
	return metadata, ok
}

// TargetFromState returns the target a resolver.State was resolved for.
func TargetFromState(state resolver.State) (Target, bool) {
	if state.Attributes == nil {
		return Target{}, false
	}
	target, ok := state.Attributes.Value(targetKey{}).(Target)
	return target, ok
}
