package tables

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"grimm.is/pfeval/internal/pf"
)

// ResolvConf is consulted for a nameserver when DNSSource.Server is empty.
var ResolvConf = "/etc/resolv.conf"

// Exchanger sends one DNS query. *dns.Client implements it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// DNSSource fills a table with the A and AAAA records of host names, as
// pfctl does for host names in table definitions.
type DNSSource struct {
	Hosts []string
	// Server is the nameserver as host:port.
	Server string
	Client Exchanger
}

func (d *DNSSource) Name() string { return "dns" }

func (d *DNSSource) server() (string, error) {
	if d.Server != "" {
		return d.Server, nil
	}
	cc, err := dns.ClientConfigFromFile(ResolvConf)
	if err != nil {
		return "", fmt.Errorf("no nameserver: %w", err)
	}
	if len(cc.Servers) == 0 {
		return "", fmt.Errorf("no nameserver in %s", ResolvConf)
	}
	return net.JoinHostPort(cc.Servers[0], cc.Port), nil
}

// Fetch resolves every host. A host without records contributes nothing;
// any transport failure or server error fails the fetch.
func (d *DNSSource) Fetch(ctx context.Context) ([]Entry, error) {
	server, err := d.server()
	if err != nil {
		return nil, err
	}
	client := d.Client
	if client == nil {
		client = &dns.Client{Timeout: 2 * time.Second}
	}

	var out []Entry
	for _, host := range d.Hosts {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			m := new(dns.Msg)
			m.SetQuestion(dns.Fqdn(host), qtype)
			m.RecursionDesired = true

			resp, _, err := client.ExchangeContext(ctx, m, server)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", host, err)
			}
			switch resp.Rcode {
			case dns.RcodeSuccess, dns.RcodeNameError:
			default:
				return nil, fmt.Errorf("resolve %s: %s", host, dns.RcodeToString[resp.Rcode])
			}
			for _, rr := range resp.Answer {
				var ip net.IP
				switch v := rr.(type) {
				case *dns.A:
					ip = v.A
				case *dns.AAAA:
					ip = v.AAAA
				default:
					continue
				}
				a, ok := netip.AddrFromSlice(ip)
				if !ok {
					continue
				}
				out = append(out, Entry{Prefix: pf.HostMask(pf.AddrFromNetIP(a.Unmap()))})
			}
		}
	}
	return out, nil
}
