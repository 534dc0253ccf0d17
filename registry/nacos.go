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

package registry

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// NewNacosClient connects to the Nacos naming service described by cfg. It
// is the default Factory used by the resolver.
//
// The v2 SDK receives pushes over its gRPC stream, so no UDP callback port
// is opened, and the SDK's on-disk instance cache is not loaded at start:
// the first fetch always goes to the server.
func NewNacosClient(cfg Config) (Client, error) {
	if len(cfg.ServerAddrs) == 0 {
		return nil, ErrNoServers
	}
	cfg = cfg.withDefaults()
	serverConfigs := make([]constant.ServerConfig, 0, len(cfg.ServerAddrs))
	for _, server := range cfg.ServerAddrs {
		host, port, err := splitHostPort(server)
		if err != nil {
			return nil, err
		}
		serverConfigs = append(serverConfigs, constant.ServerConfig{
			IpAddr: host,
			Port:   port,
		})
	}
	clientConfig := constant.ClientConfig{
		NamespaceId:         cfg.Namespace,
		TimeoutMs:           cfg.TimeoutMs,
		NotLoadCacheAtStart: true,
		Username:            cfg.Username,
		Password:            cfg.Password,
		LogDir:              cfg.LogDir,
		CacheDir:            cfg.CacheDir,
		LogLevel:            cfg.LogLevel,
	}
	namingClient, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos naming client: %w", err)
	}
	return &nacosClient{client: namingClient}, nil
}

type nacosClient struct {
	client naming_client.INamingClient
}

func (c *nacosClient) FetchAll(ctx context.Context, service, group string) ([]Instance, error) {
	// The SDK call is bounded by TimeoutMs but cannot be interrupted.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// GetService, unlike SelectAllInstances, does not treat a service
	// without instances as an error.
	svc, err := c.client.GetService(vo.GetServiceParam{
		ServiceName: service,
		GroupName:   group,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instances of %s@%s: %w", service, group, err)
	}
	return fromNacos(svc.Hosts), nil
}

func (c *nacosClient) Subscribe(service, group string, listener Listener) (io.Closer, error) {
	param := &vo.SubscribeParam{
		ServiceName: service,
		GroupName:   group,
		SubscribeCallback: func(services []model.Instance, err error) {
			if err != nil {
				// The SDK keeps the last good snapshot; a failed
				// refresh carries nothing to resolve.
				return
			}
			listener.OnChange(fromNacos(services))
		},
	}
	if err := c.client.Subscribe(param); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s@%s: %w", service, group, err)
	}
	return &nacosSubscription{client: c.client, param: param}, nil
}

func (c *nacosClient) Close() error {
	c.client.CloseClient()
	return nil
}

// nacosSubscription cancels a subscription. The SDK identifies the callback
// to remove by the address of the SubscribeParam's callback field, so the
// same param pointer given to Subscribe must be given to Unsubscribe.
type nacosSubscription struct {
	client naming_client.INamingClient
	param  *vo.SubscribeParam
	once   sync.Once
	err    error
}

func (s *nacosSubscription) Close() error {
	s.once.Do(func() {
		if err := s.client.Unsubscribe(s.param); err != nil {
			s.err = fmt.Errorf("failed to unsubscribe from %s@%s: %w", s.param.ServiceName, s.param.GroupName, err)
		}
	})
	return s.err
}

func fromNacos(instances []model.Instance) []Instance {
	result := make([]Instance, len(instances))
	for i, instance := range instances {
		result[i] = Instance{
			Host:     instance.Ip,
			Port:     instance.Port,
			Healthy:  instance.Healthy,
			Enabled:  instance.Enable,
			Weight:   instance.Weight,
			Cluster:  instance.ClusterName,
			Metadata: maps.Clone(instance.Metadata),
		}
	}
	return result
}
