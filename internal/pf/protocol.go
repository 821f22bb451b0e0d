package pf

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Protocol is an IP protocol number. ProtocolAny matches every protocol.
type Protocol uint8

const (
	ProtocolAny    Protocol = 0
	ProtocolICMP   Protocol = 1
	ProtocolTCP    Protocol = 6
	ProtocolUDP    Protocol = 17
	ProtocolICMPv6 Protocol = 58
)

// ProtocolsFile is read once, the first time a protocol name is needed.
var ProtocolsFile = "/etc/protocols"

var (
	protoOnce  sync.Once
	protoMu    sync.RWMutex
	protoNames = map[Protocol]string{
		ProtocolAny:    "any",
		ProtocolICMP:   "icmp",
		ProtocolTCP:    "tcp",
		ProtocolUDP:    "udp",
		ProtocolICMPv6: "ipv6-icmp",
	}
)

func loadProtocols() {
	protoOnce.Do(func() {
		f, err := os.Open(ProtocolsFile)
		if err != nil {
			return
		}
		defer f.Close()

		protoMu.Lock()
		defer protoMu.Unlock()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			// tcp    6   TCP    # transmission control protocol
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			n, err := strconv.ParseUint(fields[1], 10, 8)
			if err != nil {
				continue
			}
			if _, ok := protoNames[Protocol(n)]; !ok {
				protoNames[Protocol(n)] = fields[0]
			}
		}
	})
}

func (p Protocol) String() string {
	loadProtocols()
	protoMu.RLock()
	defer protoMu.RUnlock()
	if s, ok := protoNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Protocol(%d)", uint8(p))
}

// HasPorts reports whether the protocol carries port numbers.
func (p Protocol) HasPorts() bool { return p == ProtocolTCP || p == ProtocolUDP }

// ParseProtocol accepts a protocol name or number.
func ParseProtocol(s string) (Protocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ProtocolAny, nil
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		return Protocol(n), nil
	}
	if s == "icmp6" || s == "icmpv6" {
		return ProtocolICMPv6, nil
	}
	loadProtocols()
	protoMu.RLock()
	defer protoMu.RUnlock()
	for p, name := range protoNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}
