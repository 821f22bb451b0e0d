//go:build !linux

package routing

import (
	"errors"

	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/pf"
)

// ErrUnsupported is returned by every lookup off linux.
var ErrUnsupported = errors.New("route lookups are only supported on linux")

// Router is unavailable off linux.
type Router struct{}

func NewRouter(Netlinker, *logging.Logger) *Router { return &Router{} }

func (r *Router) HasRoute(pf.Addr) (bool, error) { return false, ErrUnsupported }

func (r *Router) URPFCheck(pf.Addr, string) (bool, error) { return false, ErrUnsupported }
