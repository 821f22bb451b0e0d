package tables

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockExchanger struct {
	mock.Mock
}

func (m *MockExchanger) ExchangeContext(ctx context.Context, msg *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	q := msg.Question[0]
	args := m.Called(q.Name, q.Qtype, address)
	if err := args.Error(1); err != nil {
		return nil, 0, err
	}
	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.Rcode = args.Int(0)
	for _, ip := range args.Get(2).([]string) {
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}
		if q.Qtype == dns.TypeA {
			resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.ParseIP(ip)})
		} else {
			resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP(ip)})
		}
	}
	return resp, time.Millisecond, nil
}

const testServer = "192.0.2.53:53"

func TestDNSSource_Fetch(t *testing.T) {
	ex := &MockExchanger{}
	ex.On("ExchangeContext", "www.example.com.", dns.TypeA, testServer).Return(dns.RcodeSuccess, nil, []string{"192.0.2.10", "192.0.2.11"})
	ex.On("ExchangeContext", "www.example.com.", dns.TypeAAAA, testServer).Return(dns.RcodeSuccess, nil, []string{"2001:db8::10"})
	ex.On("ExchangeContext", "gone.example.com.", mock.Anything, testServer).Return(dns.RcodeNameError, nil, []string{})

	src := &DNSSource{Hosts: []string{"www.example.com", "gone.example.com"}, Server: testServer, Client: ex}
	assert.Equal(t, "dns", src.Name())

	entries, err := src.Fetch(context.Background())
	require.NoError(t, err)

	var got []string
	for _, e := range entries {
		got = append(got, e.String())
	}
	assert.Equal(t, []string{"192.0.2.10", "192.0.2.11", "2001:db8::10"}, got)
	ex.AssertExpectations(t)
}

func TestDNSSource_Failures(t *testing.T) {
	t.Run("server failure", func(t *testing.T) {
		ex := &MockExchanger{}
		ex.On("ExchangeContext", mock.Anything, mock.Anything, testServer).Return(dns.RcodeServerFailure, nil, []string{})
		src := &DNSSource{Hosts: []string{"www.example.com"}, Server: testServer, Client: ex}
		_, err := src.Fetch(context.Background())
		assert.ErrorContains(t, err, "SERVFAIL")
	})

	t.Run("transport", func(t *testing.T) {
		ex := &MockExchanger{}
		ex.On("ExchangeContext", mock.Anything, mock.Anything, testServer).Return(0, errors.New("i/o timeout"), nil)
		src := &DNSSource{Hosts: []string{"www.example.com"}, Server: testServer, Client: ex}
		_, err := src.Fetch(context.Background())
		assert.ErrorContains(t, err, "i/o timeout")
	})

	t.Run("no resolv.conf", func(t *testing.T) {
		old := ResolvConf
		ResolvConf = t.TempDir() + "/missing.conf"
		t.Cleanup(func() { ResolvConf = old })

		src := &DNSSource{Hosts: []string{"www.example.com"}, Client: &MockExchanger{}}
		_, err := src.Fetch(context.Background())
		assert.ErrorContains(t, err, "no nameserver")
	})
}
