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
	"errors"
	"fmt"
	"strings"

	"github.com/bufbuild/grpcnacos/registry"
	"google.golang.org/grpc/resolver"
)

const (
	// Scheme is the URI scheme handled by this package's resolver:
	//
	//	nacos://<server>[,<server>...]/<service>[?group=<group>&namespace=<namespace>]
	Scheme = "nacos"

	// DefaultGroup is the Nacos group used when a target names none.
	DefaultGroup = "DEFAULT_GROUP"

	// GroupParam is the target query parameter that selects the group.
	GroupParam = "group"
	// NamespaceParam is the target query parameter that selects the
	// namespace.
	NamespaceParam = "namespace"
)

// ErrNoServiceName is returned when building a resolver for a target whose
// path does not name a service.
var ErrNoServiceName = errors.New("no service name supplied in nacos target")

// Target identifies what a resolver resolves. It is attached to every
// resolver.State reported by the resolver; see [TargetFromState].
type Target struct {
	Service   string
	Group     string
	Namespace string
}

type parsedTarget struct {
	Target
	registryConfig registry.Config
}

func parseTarget(target resolver.Target, opts *builderOptions) (parsedTarget, error) {
	service := strings.TrimPrefix(target.URL.Path, "/")
	if service == "" {
		return parsedTarget{}, ErrNoServiceName
	}
	query := target.URL.Query()
	group := query.Get(GroupParam)
	if group == "" {
		group = opts.defaultGroup
	}
	cfg := opts.registryConfig
	cfg.ServerAddrs = append([]string(nil), cfg.ServerAddrs...)
	if opts.namespace != "" {
		cfg.Namespace = opts.namespace
	}
	if namespace := query.Get(NamespaceParam); namespace != "" {
		cfg.Namespace = namespace
	}
	if target.URL.Host != "" {
		servers, err := registry.SplitServerAddrs(target.URL.Host)
		if err != nil {
			return parsedTarget{}, fmt.Errorf("invalid nacos target %q: %w", target.URL.String(), err)
		}
		cfg.ServerAddrs = servers
	}
	return parsedTarget{
		Target: Target{
			Service:   service,
			Group:     group,
			Namespace: cfg.Namespace,
		},
		registryConfig: cfg,
	}, nil
}
