// Package route describes where a command should go and resolves that intent
// against a topology snapshot.
//
// A Route is one of:
//   - SlotKeyRoute: the shard owning a key's slot
//   - SlotIDRoute: the shard owning an explicit slot
//   - MultiSlotKeysRoute: several keys that must share one slot
//   - AllNodes, AllPrimaries: every node, or every primary
//   - Random: one node picked by the Resolver's policy
//   - ByAddressRoute: a specific node
//
// Resolution is purely local. Invalid routes (cross-slot keys, an address
// without a port, an address not in the snapshot) fail before any request is
// sent.
package route

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/topology"
)

// Route is a routing intent.
type Route interface {
	// IsMulti reports whether the route is meant to reach several nodes.
	IsMulti() bool
	String() string
}

// SlotKeyRoute targets the shard owning Key's slot, on the given role.
type SlotKeyRoute struct {
	Key  string
	Role topology.Role
}

func (SlotKeyRoute) IsMulti() bool { return false }

func (r SlotKeyRoute) String() string { return "slot-key:" + r.Key + "/" + r.Role.String() }

// SlotIDRoute targets the shard owning Slot, on the given role.
type SlotIDRoute struct {
	Slot int
	Role topology.Role
}

func (SlotIDRoute) IsMulti() bool { return false }

func (r SlotIDRoute) String() string {
	return "slot-id:" + strconv.Itoa(r.Slot) + "/" + r.Role.String()
}

// MultiSlotKeysRoute targets the shard owning Keys, which must all share a slot.
type MultiSlotKeysRoute struct {
	Keys []string
}

func (MultiSlotKeysRoute) IsMulti() bool { return false }

func (r MultiSlotKeysRoute) String() string { return "keys:" + strings.Join(r.Keys, ",") }

// AllNodesRoute targets every primary and replica.
type AllNodesRoute struct{}

func (AllNodesRoute) IsMulti() bool  { return true }
func (AllNodesRoute) String() string { return "all-nodes" }

// AllPrimariesRoute targets the primary of every shard.
type AllPrimariesRoute struct{}

func (AllPrimariesRoute) IsMulti() bool  { return true }
func (AllPrimariesRoute) String() string { return "all-primaries" }

// RandomRoute targets one node chosen by the Resolver.
type RandomRoute struct{}

func (RandomRoute) IsMulti() bool  { return false }
func (RandomRoute) String() string { return "random" }

// ByAddressRoute targets one node by address. Host may carry the port
// ("10.0.0.1:7000") when Port is zero.
type ByAddressRoute struct {
	Host string
	Port int
}

func (ByAddressRoute) IsMulti() bool { return false }

func (r ByAddressRoute) String() string {
	if r.Port == 0 {
		return "addr:" + r.Host
	}
	return "addr:" + r.Host + ":" + strconv.Itoa(r.Port)
}

// Addr returns the normalized "host:port" of the route, or ErrInvalidAddress
// if no port is given.
func (r ByAddressRoute) Addr() (string, error) {
	host, port := r.Host, r.Port
	if port == 0 {
		i := strings.LastIndexByte(host, ':')
		if i <= 0 || i == len(host)-1 {
			return "", fmt.Errorf("%w: %q has no port", ErrInvalidAddress, r.Host)
		}
		p, err := strconv.Atoi(host[i+1:])
		if err != nil {
			return "", fmt.Errorf("%w: %q has a non-numeric port", ErrInvalidAddress, r.Host)
		}
		host, port = strings.Trim(host[:i], "[]"), p
	}
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]:" + strconv.Itoa(port), nil
	}
	return host + ":" + strconv.Itoa(port), nil
}

// Shorthand values for the keyless routes.
var (
	AllNodes     Route = AllNodesRoute{}
	AllPrimaries Route = AllPrimariesRoute{}
	Random       Route = RandomRoute{}
)

// SlotKey routes to the primary owning key.
func SlotKey(key string) SlotKeyRoute { return SlotKeyRoute{Key: key} }

// ReplicaSlotKey routes to a replica of the shard owning key.
func ReplicaSlotKey(key string) SlotKeyRoute {
	return SlotKeyRoute{Key: key, Role: topology.RoleReplica}
}

// SlotID routes to the primary owning slot.
func SlotID(slot int) SlotIDRoute { return SlotIDRoute{Slot: slot} }

// ByAddress routes to host:port.
func ByAddress(host string, port int) ByAddressRoute { return ByAddressRoute{Host: host, Port: port} }

// Parse reads the textual form used by the gateway and CLI:
// "all-nodes", "all-primaries", "random", "slot:<key>", "replica:<key>",
// "slot-id:<n>" and "addr:<host:port>".
func Parse(s string) (Route, error) {
	kind, arg, _ := strings.Cut(s, ":")
	switch kind {
	case "all-nodes":
		return AllNodes, nil
	case "all-primaries":
		return AllPrimaries, nil
	case "random":
		return Random, nil
	case "slot":
		return SlotKey(arg), nil
	case "replica":
		return ReplicaSlotKey(arg), nil
	case "slot-id":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 || n > hash.MaxSlot {
			return nil, fmt.Errorf("invalid slot %q", arg)
		}
		return SlotID(n), nil
	case "addr":
		r := ByAddressRoute{Host: arg}
		if _, err := r.Addr(); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown route %q", s)
	}
}
