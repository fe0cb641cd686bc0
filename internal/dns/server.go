// Package dns serves A records for a topology from inside its hub
// namespace, so every machine reaches it at its network's gateway.
package dns

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"netsim/internal/core/netsim"
	"netsim/internal/netns"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultZone    = "netsim."
	DefaultAddr    = ":53"
	DefaultTTL     = 5
	defaultTimeout = 1500 * time.Millisecond
	cacheKeys      = 10000
)

type Options struct {
	// Zone is the suffix topology names are served under.
	Zone string
	// Addr is the listen address inside the namespace.
	Addr string
	// Upstreams receive queries outside Zone. Without any, such names get
	// NXDOMAIN.
	Upstreams []string
	TTL       uint32
	Timeout   time.Duration
	Log       *logrus.Entry
}

type Server struct {
	zone      string
	resolver  Resolver
	upstreams []string
	ttl       uint32
	timeout   time.Duration
	log       *logrus.Entry

	cache  *answerCache
	client *dns.Client
	tcp    *dns.Client

	mu    sync.Mutex
	udpSv *dns.Server
	tcpSv *dns.Server
	pc    net.PacketConn
	ln    net.Listener
}

func NewServer(resolver Resolver, opts Options) *Server {
	zone := opts.Zone
	if zone == "" {
		zone = DefaultZone
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	upstreams := make([]string, 0, len(opts.Upstreams))
	for _, u := range opts.Upstreams {
		if _, _, err := net.SplitHostPort(u); err != nil {
			u = net.JoinHostPort(u, "53")
		}
		upstreams = append(upstreams, u)
	}

	return &Server{
		zone:      dns.CanonicalName(zone),
		resolver:  resolver,
		upstreams: upstreams,
		ttl:       ttl,
		timeout:   timeout,
		log:       log.WithField("component", "dns"),
		cache:     newAnswerCache(cacheKeys),
		client:    &dns.Client{Net: "udp", Timeout: timeout},
		tcp:       &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

func (s *Server) Zone() string { return s.zone }

// Listen binds the UDP and TCP sockets from a thread inside ns. Sockets
// keep the namespace they were created in, so serving can run anywhere.
func (s *Server) Listen(ns netns.Namespace, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	var (
		pc net.PacketConn
		ln net.Listener
	)
	err := ns.Do(func() error {
		var err error
		if pc, err = net.ListenPacket("udp", addr); err != nil {
			return err
		}
		// share the port the kernel picked for udp
		if ln, err = net.Listen("tcp", pc.LocalAddr().String()); err != nil {
			_ = pc.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dns listen %s in %s: %w", addr, ns.Name(), err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.ServeDNS)

	s.mu.Lock()
	s.pc, s.ln = pc, ln
	s.udpSv = &dns.Server{PacketConn: pc, Handler: mux}
	s.tcpSv = &dns.Server{Listener: ln, Handler: mux}
	s.mu.Unlock()
	return nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return nil
	}
	return s.pc.LocalAddr()
}

// Serve answers queries until ctx ends or either socket fails.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	udpSv, tcpSv := s.udpSv, s.tcpSv
	s.mu.Unlock()
	if udpSv == nil {
		return errors.New("dns: serve before listen")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(udpSv.ActivateAndServe)
	g.Go(tcpSv.ActivateAndServe)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = udpSv.ShutdownContext(sctx)
		_ = tcpSv.ShutdownContext(sctx)
		// unblock a server that never finished starting
		_ = s.pc.Close()
		_ = s.ln.Close()
		return nil
	})

	s.log.WithField("addr", s.Addr().String()).Infof("dns serving zone %s", s.zone)
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Attach serves sim's names from its hub and stops when sim closes.
func Attach(sim *netsim.Netsim, opts Options) (*Server, error) {
	srv := NewServer(TopologyResolver{Sim: sim}, opts)
	if err := srv.Listen(sim.Hub(), opts.Addr); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	sim.OnClose(func(closeCtx context.Context) error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-closeCtx.Done():
			return closeCtx.Err()
		}
	})
	return srv, nil
}

func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if r == nil || len(r.Question) == 0 {
		s.reply(w, r, dns.RcodeFormatError)
		return
	}
	q := r.Question[0]
	name := dns.CanonicalName(q.Name)
	log := s.log.WithFields(logrus.Fields{
		"client": w.RemoteAddr().String(),
		"name":   name,
		"type":   dns.TypeToString[q.Qtype],
	})

	if dns.IsSubDomain(s.zone, name) {
		s.answerLocal(w, r, q, name, log)
		return
	}
	if len(s.upstreams) == 0 {
		s.reply(w, r, dns.RcodeNameError)
		log.Debug("no upstream")
		return
	}
	s.forward(w, r, log)
}

// answerLocal serves <machine>.<network>.<zone> and <machine>.<zone>.
func (s *Server) answerLocal(w dns.ResponseWriter, r *dns.Msg, q dns.Question, name string, log *logrus.Entry) {
	labels := dns.SplitDomainName(strings.TrimSuffix(name, s.zone))
	var machine, network string
	switch len(labels) {
	case 1:
		machine = labels[0]
	case 2:
		machine, network = labels[0], labels[1]
	default:
		s.reply(w, r, dns.RcodeNameError)
		log.Debug("nxdomain")
		return
	}

	addr, ok := s.resolver.Lookup(machine, network)
	if !ok {
		s.reply(w, r, dns.RcodeNameError)
		log.Debug("nxdomain")
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	// other types exist as names with no data
	if q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.ttl},
			A:   addr.AsSlice(),
		})
	}
	if err := w.WriteMsg(m); err != nil {
		log.WithError(err).Warn("write reply")
		return
	}
	log.WithField("answer", addr.String()).Debug("answered")
}

func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg, log *logrus.Entry) {
	now := time.Now()
	var key string
	if cacheable(r) {
		key = cacheKey(r.Question[0], doBit(r))
		if msg, ok := s.cache.get(key, now); ok {
			msg.Id = r.Id
			_ = w.WriteMsg(msg)
			log.WithField("cache", "hit").Debug("forwarded")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	resp, upstream, err := s.exchange(ctx, r)
	if err != nil {
		s.reply(w, r, dns.RcodeServerFailure)
		log.WithError(err).WithField("upstream", upstream).Warn("upstream failed")
		return
	}
	resp.Id = r.Id
	if err := w.WriteMsg(resp); err != nil {
		log.WithError(err).Warn("write reply")
		return
	}
	if key != "" {
		if ttl, ok := minTTL(resp); ok {
			s.cache.put(key, resp, ttl, now)
		}
	}
	log.WithFields(logrus.Fields{
		"upstream": upstream,
		"rcode":    dns.RcodeToString[resp.Rcode],
		"latency":  time.Since(now).String(),
	}).Debug("forwarded")
}

// exchange asks one upstream over UDP, retries truncated answers over TCP
// and tries a second upstream once on failure.
func (s *Server) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, string, error) {
	up := s.upstreams[rand.IntN(len(s.upstreams))]
	resp, _, err := s.client.ExchangeContext(ctx, req, up)
	if err == nil && resp.Truncated {
		if full, _, err := s.tcp.ExchangeContext(ctx, req, up); err == nil {
			return full, up, nil
		}
		return resp, up, nil
	}
	if err != nil && len(s.upstreams) > 1 {
		retry := s.upstreams[rand.IntN(len(s.upstreams))]
		if resp, _, err2 := s.client.ExchangeContext(ctx, req, retry); err2 == nil {
			return resp, retry, nil
		}
	}
	return resp, up, err
}

func (s *Server) reply(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := new(dns.Msg)
	if r != nil {
		m.SetRcode(r, rcode)
	} else {
		m.Rcode = rcode
	}
	_ = w.WriteMsg(m)
}
