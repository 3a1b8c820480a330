package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/sec"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"ichnaea/pkg/metrics"
	"ichnaea/pkg/rendezvous"
)

const (
	// HandshakeProtocol carries the pairing handshake and all later messages.
	HandshakeProtocol = "/ichnaea/handshake/1.0.0"
	// MaxMessageSize bounds a single framed message.
	MaxMessageSize = 64 << 10

	dialTimeout    = 15 * time.Second
	dialBackoff    = time.Minute
	dialCacheSize  = 256
	eventQueueSize = 256
)

type P2PSwarmConfig struct {
	Libp2pOpts       []libp2p.Option
	PrivKey          crypto.PrivKey
	LookupInterval   time.Duration
	AnnounceAttempts uint
}

func (cfg *P2PSwarmConfig) Apply(opts ...P2PSwarmOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type P2PSwarmOption func(cfg *P2PSwarmConfig) error

func WithLibP2POptions(opts ...libp2p.Option) P2PSwarmOption {
	return func(cfg *P2PSwarmConfig) error {
		cfg.Libp2pOpts = opts
		return nil
	}
}

// WithIdentity sets the host key. The same key signs the handshake identity.
func WithIdentity(privKey crypto.PrivKey) P2PSwarmOption {
	return func(cfg *P2PSwarmConfig) error {
		cfg.PrivKey = privKey
		return nil
	}
}

func WithLookupInterval(d time.Duration) P2PSwarmOption {
	return func(cfg *P2PSwarmConfig) error {
		if d <= 0 {
			return fmt.Errorf("lookup interval must be positive, got %s", d)
		}
		cfg.LookupInterval = d
		return nil
	}
}

func WithAnnounceAttempts(n uint) P2PSwarmOption {
	return func(cfg *P2PSwarmConfig) error {
		cfg.AnnounceAttempts = n
		return nil
	}
}

var _ Substrate = &P2PSwarm{}

// P2PSwarm is a Substrate on top of a libp2p host and a Kademlia DHT. A topic
// is announced by providing its CID and peers are found by looking up the
// providers of that CID.
type P2PSwarm struct {
	bootstrapper     Bootstrapper
	host             host.Host
	kdht             *dht.IpfsDHT
	rd               *drouting.RoutingDiscovery
	lookupInterval   time.Duration
	announceAttempts uint
	events           chan Event
	// Peers whose dial failed recently.
	backoff *expirable.LRU[peer.ID, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connecting atomic.Int64
	mu         sync.Mutex
	conns      map[*streamConn]struct{}
	peers      map[peer.ID]struct{}
	closed     bool
}

func NewP2PSwarm(ctx context.Context, addr string, bs Bootstrapper, opts ...P2PSwarmOption) (*P2PSwarm, error) {
	cfg := P2PSwarmConfig{
		LookupInterval:   10 * time.Second,
		AnnounceAttempts: 5,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	multiAddrs, err := listenMultiaddrs(addr)
	if err != nil {
		return nil, err
	}
	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrs(multiAddrs...),
		libp2p.PrometheusRegisterer(metrics.DefaultRegisterer),
	}
	if cfg.PrivKey != nil {
		libp2pOpts = append(libp2pOpts, libp2p.Identity(cfg.PrivKey))
	}
	libp2pOpts = append(libp2pOpts, cfg.Libp2pOpts...)
	host, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create host: %w", err)
	}

	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix("/ichnaea"),
		dht.BootstrapPeersFunc(bootstrapFunc(ctx, bs, host)),
	}
	kdht, err := dht.New(ctx, host, dhtOpts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create distributed hash table: %w", err), host.Close())
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &P2PSwarm{
		bootstrapper:     bs,
		host:             host,
		kdht:             kdht,
		rd:               drouting.NewRoutingDiscovery(kdht),
		lookupInterval:   cfg.LookupInterval,
		announceAttempts: cfg.AnnounceAttempts,
		events:           make(chan Event, eventQueueSize),
		backoff:          expirable.NewLRU[peer.ID, struct{}](dialCacheSize, nil, dialBackoff),
		ctx:              sctx,
		cancel:           cancel,
		conns:            map[*streamConn]struct{}{},
		peers:            map[peer.ID]struct{}{},
	}
	host.SetStreamHandler(HandshakeProtocol, s.accept)
	return s, nil
}

// Run bootstraps the DHT and blocks until ctx is done.
func (s *P2PSwarm) Run(ctx context.Context) error {
	self := "/p2p/" + s.host.ID().String()
	if addrs := s.host.Addrs(); len(addrs) > 0 {
		self = addrs[0].String() + self
	}
	logr.FromContextOrDiscard(ctx).WithName("p2p").Info("starting p2p swarm", "id", self)
	if err := s.kdht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("could not bootstrap distributed hash table: %w", err)
	}
	return s.bootstrapper.Run(ctx, self)
}

func (s *P2PSwarm) ID() peer.ID {
	return s.host.ID()
}

func (s *P2PSwarm) Join(ctx context.Context, topic rendezvous.Topic) (Discovery, error) {
	c, err := topic.CID()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	log := logr.FromContextOrDiscard(s.ctx).WithName("p2p").WithValues("topic", topic.String())
	dctx, cancel := context.WithCancel(logr.NewContext(s.ctx, log))
	d := &p2pDiscovery{
		swarm:   s,
		cid:     c,
		cancel:  cancel,
		flushed: make(chan struct{}),
	}
	d.wg.Add(2)
	go d.announce(dctx)
	go d.lookup(dctx)
	log.Info("joined topic")
	return d, nil
}

func (s *P2PSwarm) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Connecting:  int(s.connecting.Load()),
		Connections: len(s.conns),
		Peers:       len(s.peers),
	}
}

func (s *P2PSwarm) Events() <-chan Event {
	return s.events
}

func (s *P2PSwarm) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := []*streamConn{}
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	errs := []error{s.kdht.Close(), s.host.Close()}
	errs = append(errs, wait(ctx, &s.wg))
	return errors.Join(errs...)
}

func (s *P2PSwarm) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *P2PSwarm) addPeer(id peer.ID) {
	s.mu.Lock()
	_, known := s.peers[id]
	s.peers[id] = struct{}{}
	s.mu.Unlock()
	if !known {
		s.emit(Event{Kind: EventUpdate})
	}
}

func (s *P2PSwarm) connectedTo(id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.stream.Conn().RemotePeer() == id {
			return true
		}
	}
	return false
}

func (s *P2PSwarm) dial(ctx context.Context, addrInfo peer.AddrInfo) {
	log := logr.FromContextOrDiscard(ctx).WithValues("peer", addrInfo.ID.String())
	s.connecting.Add(1)
	s.emit(Event{Kind: EventUpdate})
	defer func() {
		s.connecting.Add(-1)
		s.emit(Event{Kind: EventUpdate})
	}()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := s.host.Connect(dialCtx, addrInfo); err != nil {
		log.V(4).Info("could not connect to peer", "err", err.Error())
		s.backoff.Add(addrInfo.ID, struct{}{})
		return
	}
	st, err := s.host.NewStream(dialCtx, addrInfo.ID, HandshakeProtocol)
	if err != nil {
		log.V(4).Info("could not open handshake stream", "err", err.Error())
		s.backoff.Add(addrInfo.ID, struct{}{})
		return
	}
	s.accept(st)
}

// accept registers a handshake stream, inbound or outbound.
func (s *P2PSwarm) accept(st network.Stream) {
	c := &streamConn{
		swarm:  s,
		stream: st,
		r:      msgio.NewVarintReaderSize(st, MaxMessageSize),
		w:      msgio.NewVarintWriter(st),
	}
	remote := st.Conn().RemotePeer()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = st.Reset()
		return
	}
	s.conns[c] = struct{}{}
	s.peers[remote] = struct{}{}
	s.mu.Unlock()

	s.emit(Event{Kind: EventConnection, Conn: c})
	s.wg.Add(1)
	go c.readLoop()
}

type p2pDiscovery struct {
	swarm  *P2PSwarm
	cid    cid.Cid
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flushed  chan struct{}
	flushErr error
}

func (d *p2pDiscovery) announce(ctx context.Context) {
	defer d.wg.Done()
	log := logr.FromContextOrDiscard(ctx)
	err := retry.Do(
		func() error {
			return d.swarm.rd.Provide(ctx, d.cid, true)
		},
		retry.Context(ctx),
		retry.Attempts(d.swarm.announceAttempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Error(err, "could not announce topic")
		d.flushErr = fmt.Errorf("could not announce topic: %w", err)
	} else {
		log.Info("announced topic")
	}
	close(d.flushed)
}

func (d *p2pDiscovery) lookup(ctx context.Context) {
	defer d.wg.Done()
	s := d.swarm
	log := logr.FromContextOrDiscard(ctx)
	ticker := time.NewTicker(s.lookupInterval)
	defer ticker.Stop()
	for {
		for addrInfo := range s.rd.FindProvidersAsync(ctx, d.cid, 0) {
			if addrInfo.ID == s.host.ID() {
				continue
			}
			s.addPeer(addrInfo.ID)
			if s.connectedTo(addrInfo.ID) || s.backoff.Contains(addrInfo.ID) {
				continue
			}
			log.V(4).Info("dialing provider", "peer", addrInfo.ID.String(), "numAddrs", len(addrInfo.Addrs))
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				s.dial(ctx, addrInfo)
			}()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *p2pDiscovery) Flushed(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.flushed:
		return d.flushErr
	}
}

// Destroy stops the announce and lookup loops. Provider records already
// published expire on their own; open connections are left to their owners.
func (d *p2pDiscovery) Destroy(ctx context.Context) error {
	d.cancel()
	if err := wait(ctx, &d.wg); err != nil {
		return err
	}
	s := d.swarm
	s.mu.Lock()
	s.peers = map[peer.ID]struct{}{}
	s.mu.Unlock()
	s.emit(Event{Kind: EventUpdate})
	return nil
}

type streamConn struct {
	swarm  *P2PSwarm
	stream network.Stream
	r      msgio.ReadCloser
	w      msgio.WriteCloser

	closeOnce sync.Once
}

func (c *streamConn) Write(msg []byte) error {
	return c.w.WriteMsg(msg)
}

func (c *streamConn) Close() error {
	err := c.stream.Close()
	c.closed(nil)
	return err
}

func (c *streamConn) RemotePeer() string {
	return c.stream.Conn().RemotePeer().String()
}

func (c *streamConn) readLoop() {
	defer c.swarm.wg.Done()
	for {
		msg, err := c.r.ReadMsg()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			_ = c.stream.Reset()
			c.closed(err)
			return
		}
		data := append([]byte{}, msg...)
		c.r.ReleaseMsg(msg)
		c.swarm.emit(Event{Kind: EventData, Conn: c, Data: data})
	}
}

func (c *streamConn) closed(err error) {
	c.closeOnce.Do(func() {
		s := c.swarm
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.emit(Event{Kind: EventClose, Conn: c, Err: err})
	})
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func bootstrapFunc(ctx context.Context, bootstrapper Bootstrapper, h host.Host) func() []peer.AddrInfo {
	log := logr.FromContextOrDiscard(ctx).WithName("p2p")
	return func() []peer.AddrInfo {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer bootstrapCancel()

		addrInfos, err := bootstrapper.Get(bootstrapCtx)
		if err != nil {
			log.Error(err, "could not get bootstrap addresses")
			return nil
		}
		filteredAddrInfos := []peer.AddrInfo{}
		for _, addrInfo := range addrInfos {
			matches, err := hostMatches(*host.InfoFromHost(h), addrInfo)
			if err != nil {
				log.Error(err, "could not compare host with address")
				continue
			}
			if matches {
				log.Info("skipping bootstrap peer that is same as host")
				continue
			}

			// Resolve ID if it is missing.
			if addrInfo.ID != "" {
				filteredAddrInfos = append(filteredAddrInfos, addrInfo)
				continue
			}
			addrInfo.ID = "id"
			err = h.Connect(bootstrapCtx, addrInfo)
			var mismatchErr sec.ErrPeerIDMismatch
			if !errors.As(err, &mismatchErr) {
				log.Error(err, "could not get peer id")
				continue
			}
			addrInfo.ID = mismatchErr.Actual
			filteredAddrInfos = append(filteredAddrInfos, addrInfo)
		}
		if len(filteredAddrInfos) == 0 {
			log.Info("no bootstrap nodes found")
			return nil
		}
		return filteredAddrInfos
	}
}

func listenMultiaddrs(addr string) ([]ma.Multiaddr, error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tcpComp, err := ma.NewMultiaddr(fmt.Sprintf("/tcp/%s", p))
	if err != nil {
		return nil, err
	}
	ipComps := []ma.Multiaddr{}
	ip := net.ParseIP(h)
	if ip.To4() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	} else if ip.To16() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip6/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	}
	if len(ipComps) == 0 {
		ipComps = []ma.Multiaddr{manet.IP6Unspecified, manet.IP4Unspecified}
	}
	multiAddrs := []ma.Multiaddr{}
	for _, ipComp := range ipComps {
		multiAddrs = append(multiAddrs, ipComp.Encapsulate(tcpComp))
	}
	return multiAddrs, nil
}

func hostMatches(host, addrInfo peer.AddrInfo) (bool, error) {
	// Skip self when address ID matches host ID.
	if host.ID != "" && addrInfo.ID != "" {
		return host.ID == addrInfo.ID, nil
	}
	if len(host.Addrs) == 0 {
		return false, nil
	}

	// Skip self when IP matches
	hostIP, err := manet.ToIP(host.Addrs[0])
	if err != nil {
		return false, err
	}
	for _, addr := range addrInfo.Addrs {
		addrIP, err := manet.ToIP(addr)
		if err != nil {
			return false, err
		}
		if hostIP.Equal(addrIP) {
			return true, nil
		}
	}

	return false, nil
}
