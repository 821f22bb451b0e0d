package pf

import "errors"

var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrUnknownFamily    = errors.New("unknown address family")
	ErrFamilyMismatch   = errors.New("address family mismatch")
	ErrUnknownAddrType  = errors.New("unknown address type")
	ErrInvalidAddrWrap  = errors.New("invalid address matcher")
	ErrUnknownPortOp    = errors.New("unknown port operator")
	ErrInvalidPortRange = errors.New("invalid port range")
	ErrUnknownAction    = errors.New("unknown action")
	ErrUnknownDirection = errors.New("unknown direction")
	ErrUnknownState     = errors.New("unknown keep state mode")
	ErrUnknownProtocol  = errors.New("unknown protocol")
	ErrInvalidRule      = errors.New("invalid rule")
	ErrShortBuffer      = errors.New("short buffer")
	ErrNoResolver       = errors.New("no resolver for address lookup")
)
