// Package routing answers the no-route and urpf-failed questions of the
// filter from the kernel routing table.
package routing

import (
	"errors"
	"net"

	"github.com/vishvananda/netlink"
)

// ErrNoIngress is returned by URPFCheck for packets without an ingress
// interface.
var ErrNoIngress = errors.New("packet has no ingress interface")

// Netlinker is the part of the netlink API the router needs.
// *netlink.Handle implements it.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	RouteGet(destination net.IP) ([]netlink.Route, error)
}
