//go:build !linux

package tables

import (
	"context"
	"errors"
)

// ErrNFTUnsupported is returned on platforms without nftables.
var ErrNFTUnsupported = errors.New("nftables sources are only supported on linux")

// NFTSource is unavailable off linux.
type NFTSource struct {
	Table string
	Set   string
}

// NewNFTSource always fails off linux.
func NewNFTSource(family, table, set string) (*NFTSource, error) {
	return nil, ErrNFTUnsupported
}

func (n *NFTSource) Name() string { return "nftables" }

func (n *NFTSource) Fetch(context.Context) ([]Entry, error) {
	return nil, ErrNFTUnsupported
}
