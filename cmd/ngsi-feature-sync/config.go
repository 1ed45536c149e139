package main

import (
	"context"
	"flag"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
)

type FlagType int
type FlagMap map[FlagType]string

const (
	listenAddress FlagType = iota
	servicePort

	configPath
	opaPath
	brokerURL
)

func parseExternalConfig(ctx context.Context, flags FlagMap) FlagMap {
	flags[listenAddress] = env.GetVariableOrDefault(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = env.GetVariableOrDefault(ctx, "SERVICE_PORT", flags[servicePort])
	flags[configPath] = env.GetVariableOrDefault(ctx, "LAYER_CONFIG_PATH", flags[configPath])
	flags[opaPath] = env.GetVariableOrDefault(ctx, "POLICY_RULES_PATH", flags[opaPath])
	flags[brokerURL] = env.GetVariableOrDefault(ctx, "NGSI_CB_URL", flags[brokerURL])

	apply := func(f FlagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	flag.Func("config", "a yaml file with the broker and layer configuration", apply(configPath))
	flag.Func("policies", "an authorization policy file", apply(opaPath))
	flag.Func("broker", "the context broker url, overrides the configured url", apply(brokerURL))
	flag.Func("port", "the port to listen for connections on", apply(servicePort))
	flag.Parse()

	return flags
}
