package types

// Network identifies the ledger a payment settles on.
type Network string

const (
	NetworkAvalanche Network = "avalanche"
	NetworkFuji      Network = "avalanche-fuji" // testnet
	NetworkLocal     Network = "local"          // dev node, chain id 1337
)

// ChainID returns the EVM chain id for the network, or 0 when unknown.
func (n Network) ChainID() int64 {
	switch n {
	case NetworkAvalanche:
		return 43114
	case NetworkFuji:
		return 43113
	case NetworkLocal:
		return 1337
	default:
		return 0
	}
}

// NativeCurrency returns the ticker of the network's native asset.
func (n Network) NativeCurrency() string {
	switch n {
	case NetworkAvalanche, NetworkFuji:
		return "AVAX"
	default:
		return "ETH"
	}
}

// IsTestnet reports whether the network carries no real value.
func (n Network) IsTestnet() bool {
	return n == NetworkFuji || n == NetworkLocal
}

func (n Network) String() string {
	return string(n)
}
