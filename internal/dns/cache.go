package dns

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type cacheEntry struct {
	msg     *dns.Msg
	expires time.Time
}

// answerCache holds upstream replies until their smallest TTL runs out.
// Answers for the topology zone never go through it.
type answerCache struct {
	mu      sync.RWMutex
	items   map[string]cacheEntry
	maxKeys int
}

func newAnswerCache(maxKeys int) *answerCache {
	return &answerCache{
		items:   make(map[string]cacheEntry),
		maxKeys: maxKeys,
	}
}

func (c *answerCache) get(key string, now time.Time) (*dns.Msg, bool) {
	c.mu.RLock()
	ent, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if now.After(ent.expires) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && now.After(cur.expires) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return ent.msg.Copy(), true
}

func (c *answerCache) put(key string, msg *dns.Msg, ttl time.Duration, now time.Time) {
	if ttl <= 0 || c.maxKeys < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxKeys > 0 && len(c.items) >= c.maxKeys {
		// evict one arbitrary key
		for k := range c.items {
			delete(c.items, k)
			break
		}
	}
	c.items[key] = cacheEntry{msg: msg.Copy(), expires: now.Add(ttl)}
}

func (c *answerCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func cacheKey(q dns.Question, dnssecOK bool) string {
	return fmt.Sprintf("%s|%d|%d|do=%t", strings.ToLower(dns.Fqdn(q.Name)), q.Qtype, q.Qclass, dnssecOK)
}

// minTTL is the smallest TTL across every section of msg.
func minTTL(msg *dns.Msg) (time.Duration, bool) {
	var ttl uint32
	set := false
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			h := rr.Header()
			if h == nil || h.Rrtype == dns.TypeOPT {
				continue
			}
			if !set || h.Ttl < ttl {
				ttl, set = h.Ttl, true
			}
		}
	}
	if !set {
		return 0, false
	}
	return time.Duration(ttl) * time.Second, true
}

func cacheable(r *dns.Msg) bool {
	return r != nil && r.Opcode == dns.OpcodeQuery && !r.Response && len(r.Question) == 1
}

func doBit(r *dns.Msg) bool {
	if edns := r.IsEdns0(); edns != nil {
		return edns.Do()
	}
	return false
}
