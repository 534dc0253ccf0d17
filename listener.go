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

import "github.com/bufbuild/grpcnacos/registry"

// listener forwards registry pushes to its resolver. It does no filtering
// of its own, and keeps the resolver reachable for as long as the registry
// client holds on to it, which may be past Close; the resolver ignores
// pushes once closed.
type listener struct {
	resolver *nacosResolver
}

var _ registry.Listener = (*listener)(nil)

func (l *listener) OnChange(instances []registry.Instance) {
	l.resolver.onPush(instances)
}
