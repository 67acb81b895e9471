//go:generate go run ../../tools/gen-env-doc/main.go
package config

import "fmt"

type EnvVar struct {
	Name        string // short name under the TIDAL_ prefix (e.g., "DATADIR")
	FullName    string // e.g., "TIDAL_DATADIR"
	Type        string
	Default     string // "" if none
	Description string
	Notes       string
}

func EnvSpecs() []EnvVar {
	const P = envPrefix + "_"

	return []EnvVar{
		{
			Name:        Datadir,
			FullName:    P + Datadir,
			Type:        "string (path)",
			Default:     DefaultDatadir,
			Description: "Data directory for the swap database",
		},
		{
			Name:        DbType,
			FullName:    P + DbType,
			Type:        "string",
			Default:     DefaultDbType,
			Description: "Database backend: badger | sqlite",
		},
		{
			Name:        LogLevel,
			FullName:    P + LogLevel,
			Type:        "uint32 (0–6)",
			Default:     fmt.Sprintf("%d", DefaultLogLevel),
			Description: "Log verbosity (higher = more verbose)",
		},
		{
			Name:        Network,
			FullName:    P + Network,
			Type:        "string",
			Default:     DefaultNetwork,
			Description: "Bitcoin network: bitcoin | testnet | signet | regtest",
		},
		{
			Name:        EsploraURL,
			FullName:    P + EsploraURL,
			Type:        "string (URL)",
			Description: "Esplora base URL (e.g., https://mempool.space/api)",
		},
		// --- Smart chain ---
		{
			Name:        EvmRpcURL,
			FullName:    P + EvmRpcURL,
			Type:        "string (URL)",
			Description: "EVM node json-rpc endpoint",
		},
		{
			Name:        EvmChainID,
			FullName:    P + EvmChainID,
			Type:        "uint64",
			Default:     fmt.Sprintf("%d", DefaultEvmChainID),
			Description: "EVM chain id, also naming the chain as EVM-<id> in swaps",
		},
		{
			Name:        EvmEscrowContract,
			FullName:    P + EvmEscrowContract,
			Type:        "string (address)",
			Description: "Address of the escrow manager contract",
		},
		{
			Name:        EvmSpvContract,
			FullName:    P + EvmSpvContract,
			Type:        "string (address)",
			Description: "Address of the SPV vault contract",
			Notes:       "SPV vault swaps are disabled when unset.",
		},
		{
			Name:        EvmNativeToken,
			FullName:    P + EvmNativeToken,
			Type:        "string (address)",
			Description: "Token address standing for the native currency",
			Notes:       "Defaults to the zero address.",
		},
		{
			Name:        EvmPollInterval,
			FullName:    P + EvmPollInterval,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultEvmPollInterval),
			Description: "Interval between polls of new contract events",
		},
		{
			Name:        Mnemonic,
			FullName:    P + Mnemonic,
			Type:        "string",
			Description: "BIP-39 mnemonic of the smart chain signer",
			Notes:       "The signer is the first account at m/44'/60'/0'/0/0.",
		},
		{
			Name:        MnemonicPassword,
			FullName:    P + MnemonicPassword,
			Type:        "string",
			Description: "Optional BIP-39 passphrase",
		},
		// --- Intermediaries and pricing ---
		{
			Name:        Intermediaries,
			FullName:    P + Intermediaries,
			Type:        "string (comma separated URLs)",
			Description: "Base URLs of the intermediaries to request quotes from",
		},
		{
			Name:        LpRateLimit,
			FullName:    P + LpRateLimit,
			Type:        "float (req/s)",
			Default:     fmt.Sprintf("%d", DefaultLpRateLimit),
			Description: "Maximum request rate towards a single intermediary",
		},
		{
			Name:        PriceApiURL,
			FullName:    P + PriceApiURL,
			Type:        "string (URL)",
			Description: "Price api used to check quoted prices",
		},
		{
			Name:        PriceCacheTTL,
			FullName:    P + PriceCacheTTL,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultPriceCacheTTL),
			Description: "How long fetched prices are reused",
		},
		{
			Name:        QuoteWindow,
			FullName:    P + QuoteWindow,
			Type:        "uint32 (ms)",
			Default:     fmt.Sprintf("%d", DefaultQuoteWindow),
			Description: "Time to wait for better quotes once the first valid one arrived",
		},
		{
			Name:        MaxPriceDifferencePPM,
			FullName:    P + MaxPriceDifferencePPM,
			Type:        "uint64 (ppm)",
			Default:     fmt.Sprintf("%d", DefaultMaxPriceDifferencePPM),
			Description: "Maximum deviation of a quoted price from the oracle price",
		},
		{
			Name:        MaxConfirmations,
			FullName:    P + MaxConfirmations,
			Type:        "uint32",
			Default:     fmt.Sprintf("%d", DefaultMaxConfirmations),
			Description: "Maximum bitcoin confirmations an intermediary may require",
		},
		// --- Scheduling ---
		{
			Name:        TickInterval,
			FullName:    P + TickInterval,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultTickInterval),
			Description: "Interval between ticks of the pending swaps",
		},
		{
			Name:        BtcPollInterval,
			FullName:    P + BtcPollInterval,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultBtcPollInterval),
			Description: "Minimum interval between bitcoin lookups of a swap while ticking",
		},
		{
			Name:        RegistryRefreshInterval,
			FullName:    P + RegistryRefreshInterval,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultRegistryRefreshInterval),
			Description: "Interval between refreshes of the intermediaries info",
		},
		{
			Name:        SyncInterval,
			FullName:    P + SyncInterval,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultSyncInterval),
			Description: "Interval between re-syncs of the pending swaps of each wrapper",
		},
		// --- Observability ---
		{
			Name:        MetricsPort,
			FullName:    P + MetricsPort,
			Type:        "uint32 (port)",
			Description: "Port serving prometheus metrics",
			Notes:       "Metrics are not served when unset.",
		},
		{
			Name:        OtelCollectorURL,
			FullName:    P + OtelCollectorURL,
			Type:        "string (URL)",
			Description: "OTLP collector receiving the logs",
		},
		{
			Name:        OtelPushInterval,
			FullName:    P + OtelPushInterval,
			Type:        "uint32 (seconds)",
			Default:     fmt.Sprintf("%d", DefaultOtelPushInterval),
			Description: "Interval between log exports to the collector",
		},
		{
			Name:        PyroscopeServerURL,
			FullName:    P + PyroscopeServerURL,
			Type:        "string (URL)",
			Description: "Pyroscope server for continuous profiling",
			Notes:       "Only used together with OTEL_COLLECTOR_URL.",
		},
	}
}
