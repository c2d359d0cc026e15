package netmapping

import (
	"crypto/sha1"
	"encoding/hex"
)

// KeyPrefix namespaces network-mapping rows inside the generic network
// attribute table.
const KeyPrefix = "netmap_"

// NetworkMapping associates an extra domain with a whole network. Unlike
// site-level mappings it is persisted as a serialized blob under a derived
// key, piggybacking on the network attribute store.
type NetworkMapping struct {
	ID        int64  `json:"id"`
	NetworkID int64  `json:"network_id"`
	Domain    string `json:"domain"`
	Active    bool   `json:"active"`
}

// record is the serialized shape stored in attr_value.
type record struct {
	Domain string `json:"domain"`
	Active bool   `json:"active"`
}

// KeyForDomain derives the attribute key for a domain.
func KeyForDomain(domain string) string {
	sum := sha1.Sum([]byte(domain))
	return KeyPrefix + hex.EncodeToString(sum[:])
}
