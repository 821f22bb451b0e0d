//go:build linux

package routing

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/pf"
)

// Router looks up routes through netlink.
type Router struct {
	nl     Netlinker
	logger *logging.Logger
}

// NewRouter returns a router using nl. A nil logger uses the default.
func NewRouter(nl Netlinker, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.WithComponent("routing")
	}
	return &Router{nl: nl, logger: logger}
}

func (r *Router) lookup(a pf.Addr) (*netlink.Route, error) {
	routes, err := r.nl.RouteGet(net.IP(a.Bytes()))
	if err != nil {
		if unreachable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("route lookup %s: %w", a, err)
	}
	for i := range routes {
		switch routes[i].Type {
		case unix.RTN_UNREACHABLE, unix.RTN_BLACKHOLE, unix.RTN_PROHIBIT, unix.RTN_THROW:
			continue
		}
		return &routes[i], nil
	}
	return nil, nil
}

func unreachable(err error) bool {
	return errors.Is(err, unix.ENETUNREACH) || errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.EACCES) || errors.Is(err, unix.EINVAL)
}

// HasRoute reports whether a is reachable through a usable route.
// Unreachable, blackhole and prohibit routes count as no route.
func (r *Router) HasRoute(a pf.Addr) (bool, error) {
	rt, err := r.lookup(a)
	if err != nil {
		return false, err
	}
	return rt != nil, nil
}

// URPFCheck reports whether the route back to a leaves through ingress.
// Local routes always pass. Multipath routes pass when any next hop uses
// ingress.
func (r *Router) URPFCheck(a pf.Addr, ingress string) (bool, error) {
	if ingress == "" {
		return false, ErrNoIngress
	}
	rt, err := r.lookup(a)
	if err != nil || rt == nil {
		return false, err
	}
	if rt.Type == unix.RTN_LOCAL {
		return true, nil
	}
	link, err := r.nl.LinkByName(ingress)
	if err != nil {
		return false, fmt.Errorf("interface %s: %w", ingress, err)
	}
	idx := link.Attrs().Index
	if rt.LinkIndex == idx {
		return true, nil
	}
	for _, nh := range rt.MultiPath {
		if nh.LinkIndex == idx {
			return true, nil
		}
	}
	r.logger.Debug("urpf mismatch", "addr", a.String(), "ingress", ingress, "route_link", rt.LinkIndex)
	return false, nil
}
