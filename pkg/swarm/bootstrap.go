package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/miekg/dns"
)

// Bootstrapper supplies the initial peers of the DHT.
type Bootstrapper interface {
	// Run blocks until ctx is done. self is the multiaddr of the local host.
	Run(ctx context.Context, self string) error
	// Get returns the currently known bootstrap peers.
	Get(ctx context.Context) ([]peer.AddrInfo, error)
}

var _ Bootstrapper = &StaticBootstrapper{}

type StaticBootstrapper struct {
	peers []peer.AddrInfo
}

func NewStaticBootstrapper(peers []peer.AddrInfo) *StaticBootstrapper {
	return &StaticBootstrapper{peers: peers}
}

// NewStaticBootstrapperFromStrings parses full p2p multiaddrs such as
// /ip4/10.0.0.1/tcp/4001/p2p/<peer id>.
func NewStaticBootstrapperFromStrings(peerStrs []string) (*StaticBootstrapper, error) {
	peers := []peer.AddrInfo{}
	for _, s := range peerStrs {
		addrInfo, err := peer.AddrInfoFromString(s)
		if err != nil {
			return nil, fmt.Errorf("could not parse bootstrap peer %s: %w", s, err)
		}
		peers = append(peers, *addrInfo)
	}
	return NewStaticBootstrapper(peers), nil
}

func (b *StaticBootstrapper) Run(ctx context.Context, self string) error {
	<-ctx.Done()
	return nil
}

func (b *StaticBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	return b.peers, nil
}

var _ Bootstrapper = &DNSBootstrapper{}

const dnsaddrPrefix = "dnsaddr="

// DNSBootstrapper resolves peers from the dnsaddr TXT records published under
// _dnsaddr.<domain>.
type DNSBootstrapper struct {
	domain string
	limit  int
	server string
	client *dns.Client
}

func NewDNSBootstrapper(domain string, limit int) *DNSBootstrapper {
	return &DNSBootstrapper{
		domain: domain,
		limit:  limit,
		client: &dns.Client{},
	}
}

// WithServer overrides the resolver, which otherwise comes from /etc/resolv.conf.
func (b *DNSBootstrapper) WithServer(server string) *DNSBootstrapper {
	b.server = server
	return b
}

func (b *DNSBootstrapper) Run(ctx context.Context, self string) error {
	<-ctx.Done()
	return nil
}

func (b *DNSBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("domain", b.domain)
	server, err := b.resolver()
	if err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("_dnsaddr."+b.domain), dns.TypeTXT)
	resp, _, err := b.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("could not query dnsaddr records: %w", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnsaddr query failed with %s", dns.RcodeToString[resp.Rcode])
	}
	addrInfos := []peer.AddrInfo{}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, value := range txt.Txt {
			if !strings.HasPrefix(value, dnsaddrPrefix) {
				continue
			}
			addrInfo, err := peer.AddrInfoFromString(strings.TrimPrefix(value, dnsaddrPrefix))
			if err != nil {
				log.Error(err, "skipping invalid dnsaddr record", "record", value)
				continue
			}
			addrInfos = append(addrInfos, *addrInfo)
			if b.limit > 0 && len(addrInfos) >= b.limit {
				return addrInfos, nil
			}
		}
	}
	return addrInfos, nil
}

func (b *DNSBootstrapper) resolver() (string, error) {
	if b.server != "" {
		return b.server, nil
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", err
	}
	if len(cfg.Servers) == 0 {
		return "", errors.New("no dns servers configured")
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port), nil
}
