package transport

import (
	"fmt"

	"github.com/miekg/dns"
)

// relayService is the SRV service label relays register under.
const relayService = "_steward-relay._tcp."

// defaultResolver is the local stub resolver.
const defaultResolver = "127.0.0.53:53"

// ResolveRelays discovers relay base URLs for a domain through DNS SRV
// records: a lookup of _steward-relay._tcp.<domain> yields one https URL per
// SRV target. An empty resolverAddr queries the local stub resolver.
func ResolveRelays(domain, resolverAddr string) ([]string, error) {
	if resolverAddr == "" {
		resolverAddr = defaultResolver
	}

	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{
		Name:   dns.Fqdn(relayService + domain),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	c := new(dns.Client)
	in, _, err := c.Exchange(m, resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving relay records for %s: %w", domain, err)
	}

	relays := make([]string, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			target := srv.Target
			if len(target) > 0 && target[len(target)-1] == '.' {
				target = target[:len(target)-1]
			}
			relays = append(relays, fmt.Sprintf("https://%s:%d", target, srv.Port))
		}
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relay records for %s", domain)
	}
	return relays, nil
}
