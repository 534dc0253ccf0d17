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
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultPort is the port of a Nacos server whose address omits one.
	DefaultPort = 8848

	defaultTimeoutMs = 5000
	defaultLogLevel  = "warn"
)

// ErrNoServers is returned when a Config names no registry server.
var ErrNoServers = errors.New("no registry server address configured")

// Config configures the connection to the registry. The zero value of every
// field other than ServerAddrs selects a default.
type Config struct {
	// ServerAddrs lists the registry servers as host or host:port.
	ServerAddrs []string `json:"serverAddrs,omitempty"`
	// Namespace is the Nacos namespace (tenant) ID. Empty selects the
	// public namespace.
	Namespace string `json:"namespace,omitempty"`
	// TimeoutMs bounds every request to the registry. Defaults to 5000.
	TimeoutMs uint64 `json:"timeoutMs,omitempty"`
	// Username and Password authenticate against the registry, if set.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// LogDir and CacheDir are where the Nacos SDK keeps its own logs and
	// its instance cache. Both default to directories under os.TempDir.
	LogDir   string `json:"logDir,omitempty"`
	CacheDir string `json:"cacheDir,omitempty"`
	// LogLevel is the Nacos SDK's own log level. Defaults to "warn".
	LogLevel string `json:"logLevel,omitempty"`
}

// SplitServerAddrs parses a comma-separated server list, such as the
// authority of a nacos:// target, into host:port pairs. Servers without a
// port get DefaultPort.
func SplitServerAddrs(list string) ([]string, error) {
	var addrs []string
	for _, server := range strings.Split(list, ",") {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		host, port, err := splitHostPort(server)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, net.JoinHostPort(host, strconv.FormatUint(port, 10)))
	}
	return addrs, nil
}

func splitHostPort(server string) (string, uint64, error) {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		// Assume no port was given.
		return strings.Trim(server, "[]"), DefaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid registry server address %q: missing host", server)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid registry server address %q: bad port", server)
	}
	return host, port, nil
}

func (c Config) withDefaults() Config {
	if c.TimeoutMs == 0 {
		c.TimeoutMs = defaultTimeoutMs
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(os.TempDir(), "nacos", "log")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(os.TempDir(), "nacos", "cache")
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	return c
}
