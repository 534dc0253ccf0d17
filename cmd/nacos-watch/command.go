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

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/grpcnacos"
	"github.com/bufbuild/grpcnacos/registry"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"
	"google.golang.org/grpc/status"
	"sigs.k8s.io/yaml"
)

const (
	flagConfig    = "config"
	flagGroup     = "group"
	flagNamespace = "namespace"
	flagLogLevel  = "log-level"
	flagOnce      = "once"
)

type watchOptions struct {
	configPath string
	group      string
	namespace  string
	logLevel   string
	once       bool
	// factory is replaced in tests.
	factory registry.Factory
}

func newCommand() *cobra.Command {
	opts := &watchOptions{factory: registry.NewNacosClient}
	cmd := &cobra.Command{
		Use:   "nacos-watch {target}",
		Short: "Resolve a nacos:// target and print every resolver result",
		Long: strings.TrimSpace(`
Resolve a nacos:// target and print every resolver result.

The target has the form
	nacos://{server}[,{server}...]/{service}[?group={group}&namespace={namespace}]

Registry connection settings (timeouts, credentials, SDK log and cache
directories) can be given in a YAML file with --config.
`),
		Example: strings.TrimSpace(`
nacos-watch nacos://127.0.0.1:8848/greeter
nacos-watch nacos:///greeter --config nacos.yaml --group canary --once
`),
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}
	addFlags(cmd.Flags(), opts)
	return cmd
}

func addFlags(flags *pflag.FlagSet, opts *watchOptions) {
	flags.StringVar(&opts.configPath, flagConfig, "", "YAML file with the registry connection settings")
	flags.StringVar(&opts.group, flagGroup, "", "group to resolve in, unless the target names one")
	flags.StringVar(&opts.namespace, flagNamespace, "", "namespace to resolve in, unless the target names one")
	flags.StringVar(&opts.logLevel, flagLogLevel, "warn", "resolver log level (debug, info, warn, error)")
	flags.BoolVar(&opts.once, flagOnce, false, "exit after the first result")
}

func loadConfig(path string) (registry.Config, error) {
	var cfg registry.Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func runWatch(ctx context.Context, out, logOut io.Writer, rawTarget string, opts *watchOptions) error {
	target, err := url.Parse(rawTarget)
	if err != nil {
		return fmt.Errorf("invalid target %q: %w", rawTarget, err)
	}
	if target.Scheme != grpcnacos.Scheme {
		return fmt.Errorf("invalid target %q: scheme must be %q", rawTarget, grpcnacos.Scheme)
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: logOut, TimeFormat: time.DateTime}).
		Level(level).With().Timestamp().Logger()

	builderOpts := []grpcnacos.Option{
		grpcnacos.WithLogger(logger),
		grpcnacos.WithRegistryConfig(cfg),
		grpcnacos.WithRegistryFactory(opts.factory),
	}
	if opts.group != "" {
		builderOpts = append(builderOpts, grpcnacos.WithDefaultGroup(opts.group))
	}
	if opts.namespace != "" {
		builderOpts = append(builderOpts, grpcnacos.WithNamespace(opts.namespace))
	}

	cc := newPrintingClientConn(out)
	r, err := grpcnacos.NewBuilder(builderOpts...).Build(resolver.Target{URL: *target}, cc, resolver.BuildOptions{})
	if err != nil {
		return err
	}
	defer r.Close()

	if opts.once {
		select {
		case <-cc.reported:
		case <-ctx.Done():
		}
		return nil
	}
	<-ctx.Done()
	return nil
}

// printingClientConn renders every state and error it receives.
type printingClientConn struct {
	resolver.ClientConn // unimplemented methods panic

	mu  sync.Mutex
	out io.Writer
	seq int

	reported     chan struct{}
	reportedOnce sync.Once
}

func newPrintingClientConn(out io.Writer) *printingClientConn {
	return &printingClientConn{out: out, reported: make(chan struct{})}
}

func (cc *printingClientConn) UpdateState(state resolver.State) error {
	cc.emit(renderState(state))
	return nil
}

func (cc *printingClientConn) ReportError(err error) {
	cc.emit(fmt.Sprintf("transient failure (%s): %s\n", status.Code(err), status.Convert(err).Message()))
}

func (cc *printingClientConn) ParseServiceConfig(string) *serviceconfig.ParseResult {
	return &serviceconfig.ParseResult{}
}

func (cc *printingClientConn) emit(text string) {
	cc.mu.Lock()
	cc.seq++
	fmt.Fprintf(cc.out, "#%d %s\n%s", cc.seq, time.Now().Format(time.DateTime), text)
	cc.mu.Unlock()
	cc.reportedOnce.Do(func() { close(cc.reported) })
}

func renderState(state resolver.State) string {
	if len(state.Addresses) == 0 {
		return "no healthy instances\n"
	}
	var buf bytes.Buffer
	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.AppendHeader(table.Row{"#", "Address", "Created", "Metadata"})
	for i, address := range state.Addresses {
		metadata, _ := grpcnacos.InstanceMetadata(address)
		t.AppendRow(table.Row{i + 1, address.Addr, metadata[grpcnacos.CreatedTimeKey], formatMetadata(metadata)})
	}
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
	return buf.String()
}

func formatMetadata(metadata grpcnacos.Metadata) string {
	pairs := make([]string, 0, len(metadata))
	for key, value := range metadata {
		if key == grpcnacos.CreatedTimeKey {
			continue
		}
		pairs = append(pairs, key+"="+value)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, ",")
}
