// Package trace implements the commands that compile, inspect and emit trace
// descriptors.
package trace

import (
	"fmt"

	"github.com/coral-mesh/etwtrace/internal/cli/helpers"
	"github.com/coral-mesh/etwtrace/internal/config"
	"github.com/coral-mesh/etwtrace/internal/etw/descriptor"
	"github.com/coral-mesh/etwtrace/internal/etw/provider"
	"github.com/coral-mesh/etwtrace/internal/etw/sink"
	"github.com/coral-mesh/etwtrace/internal/etw/sink/memsink"
	"github.com/coral-mesh/etwtrace/internal/etw/sink/winsink"
	"github.com/coral-mesh/etwtrace/internal/etw/wiretype"
)

// toolchain is the set of registries a command compiles against.
type toolchain struct {
	types     *wiretype.Registry
	providers *provider.Registry
	builder   *descriptor.Builder
	memory    *memsink.Factory
}

func newToolchain(env *helpers.Env, sinkName string) (*toolchain, error) {
	tc := &toolchain{
		types: wiretype.NewRegistry(wiretype.WithPointerSize(env.Config.ETW.PointerSize)),
	}

	var factory sink.ProviderFactory
	switch sinkName {
	case config.SinkMemory:
		tc.memory = memsink.NewFactory()
		factory = tc.memory.New
	case config.SinkETW:
		if !winsink.Supported() {
			return nil, fmt.Errorf("sink %q is only available on Windows", sinkName)
		}
		factory = winsink.New
	default:
		return nil, fmt.Errorf("unknown sink %q", sinkName)
	}

	tc.providers = provider.NewRegistry(factory, env.Logger)
	tc.builder = descriptor.NewBuilder(tc.types, tc.providers,
		descriptor.WithMaxSize(env.Config.ETW.MaxDescriptorSize),
		descriptor.WithLogger(env.Logger),
	)
	return tc, nil
}

func (tc *toolchain) Close() error {
	return tc.providers.Close()
}
