package util

import "strings"

// bech32 payload alphabet (no 1, b, i, o)
const addressCharset = "023456789acdefghjklmnpqrstuvwxyz"

// ValidAddressPrefixes are the address prefixes accepted by the pool.
// Mainnet plus the test networks, so a pool pointed at a testnet node
// does not reject its own miners.
var ValidAddressPrefixes = []string{"kaspa:", "kaspatest:", "kaspadev:", "kaspasim:"}

// ValidateAddress checks a consensus-layer address: a known prefix
// followed by a bech32 payload.
func ValidateAddress(addr string) bool {
	var payload string
	for _, prefix := range ValidAddressPrefixes {
		if strings.HasPrefix(addr, prefix) {
			payload = addr[len(prefix):]
			break
		}
	}
	if payload == "" {
		return false
	}
	if len(payload) < 3 || len(payload) > 90 {
		return false
	}
	for _, c := range payload {
		if !strings.ContainsRune(addressCharset, c) {
			return false
		}
	}
	return true
}

// SplitWorkerID parses the "address.workerName" identity sent in
// mining.authorize and mining.submit
func SplitWorkerID(identity string) (address, worker string) {
	if i := strings.IndexByte(identity, '.'); i >= 0 {
		return identity[:i], identity[i+1:]
	}
	return identity, "default"
}
