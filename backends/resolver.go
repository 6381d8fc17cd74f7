package backends

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

// DefaultResolverAddr is the systemd-resolved stub listener.
const DefaultResolverAddr = "127.0.0.53:53"

// EndpointResolver turns srv:// endpoint URIs into concrete http(s) base
// URLs via DNS SRV lookup. Non-srv endpoints pass through unchanged, so
// static configuration and discovery-based configuration mix freely.
type EndpointResolver struct {
	resolverAddr string
	exchange     func(m *dns.Msg, addr string) (*dns.Msg, error)
}

// NewEndpointResolver creates a resolver querying the given DNS server
// address. Empty means the local stub resolver.
func NewEndpointResolver(resolverAddr string) *EndpointResolver {
	if resolverAddr == "" {
		resolverAddr = DefaultResolverAddr
	}
	client := new(dns.Client)
	return &EndpointResolver{
		resolverAddr: resolverAddr,
		exchange: func(m *dns.Msg, addr string) (*dns.Msg, error) {
			in, _, err := client.Exchange(m, addr)
			return in, err
		},
	}
}

// Resolve expands an endpoint of the form srv://service.domain[/path] into
// an http URL built from the first SRV record's target and port. Any other
// scheme is returned verbatim.
func (r *EndpointResolver) Resolve(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("malformed endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "srv" {
		return endpoint, nil
	}

	target, port, err := r.lookupSRV(u.Host)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", endpoint, err)
	}

	resolved := fmt.Sprintf("http://%s:%d%s", strings.TrimSuffix(target, "."), port, u.Path)
	return strings.TrimSuffix(resolved, "/"), nil
}

func (r *EndpointResolver) lookupSRV(name string) (string, uint16, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{
		Name:   dns.Fqdn(name),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	in, err := r.exchange(m, r.resolverAddr)
	if err != nil {
		return "", 0, err
	}

	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			return srv.Target, srv.Port, nil
		}
	}
	return "", 0, fmt.Errorf("no SRV records for %s", name)
}
