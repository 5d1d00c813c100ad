package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
)

// DefaultTestNetworkPrefixes are the network id prefixes requests may target
// when no allow-list is configured.
var DefaultTestNetworkPrefixes = []string{"testnet", "development", "fast-development"}

// CheckNetworkAllowed rejects any network id that does not start with one of
// the allow-listed test network prefixes. An empty allow-list falls back to
// DefaultTestNetworkPrefixes; it never means "allow everything".
func CheckNetworkAllowed(prefixes []string, networkID string) error {
	id := normalize(networkID)
	if id == "" {
		return clierr.New(clierr.CodeNetworkNotAllowed, "network id is required")
	}
	if len(prefixes) == 0 {
		prefixes = DefaultTestNetworkPrefixes
	}
	for _, p := range prefixes {
		prefix := normalize(p)
		if prefix != "" && strings.HasPrefix(id, prefix) {
			return nil
		}
	}
	return clierr.New(clierr.CodeNetworkNotAllowed, fmt.Sprintf("network %q is not an allowed test network", networkID))
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
