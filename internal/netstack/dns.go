package netstack

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
)

const dnsTTL = 60

// serveDNS answers guest DNS queries on the gateway address. Static names
// win; everything else is resolved through the host.
func (n *Net) serveDNS(gw4 net.IP, hostnames map[string]net.IP) error {
	addr := &tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFromSlice(gw4),
		Port: 53,
	}
	conn, err := gonet.DialUDP(n.stack, addr, nil, ipv4.ProtocolNumber)
	if err != nil {
		return fmt.Errorf("netstack: bind dns: %w", err)
	}

	static := make(map[string]net.IP, len(hostnames))
	for name, ip := range hostnames {
		static[dns.Fqdn(strings.ToLower(name))] = ip
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Authoritative = true

		for _, q := range req.Question {
			if q.Qtype != dns.TypeA || q.Qclass != dns.ClassINET {
				continue
			}
			for _, ip := range n.resolve(static, q.Name) {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{
						Name:   q.Name,
						Rrtype: dns.TypeA,
						Class:  dns.ClassINET,
						Ttl:    dnsTTL,
					},
					A: ip,
				})
			}
		}

		if len(resp.Answer) == 0 && len(req.Question) > 0 {
			resp.SetRcode(req, dns.RcodeNameError)
		}
		if err := w.WriteMsg(resp); err != nil {
			n.log.Debug("dns write failed", "err", err)
		}
	})

	server := &dns.Server{
		PacketConn: conn,
		Handler:    mux,
	}
	go func() {
		if err := server.ActivateAndServe(); err != nil {
			n.log.Debug("dns server stopped", "err", err)
		}
	}()
	return nil
}

func (n *Net) resolve(static map[string]net.IP, name string) []net.IP {
	if ip, ok := static[strings.ToLower(name)]; ok {
		return []net.IP{ip}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", strings.TrimSuffix(name, "."))
	if err != nil {
		n.log.Debug("dns lookup failed", "name", name, "err", err)
		return nil
	}
	return addrs
}
