// Package enrich annotates source addresses with reverse DNS and, when
// GeoLite2 databases are present, ASN and location for log lines.
package enrich

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/oschwald/geoip2-golang"
)

const (
	cacheTTL   = time.Hour
	ptrTimeout = time.Second

	asnFile  = "GeoLite2-ASN.mmdb"
	cityFile = "GeoLite2-City.mmdb"
)

type Result struct {
	PTR     string
	ASN     uint
	ASNName string
	Country string
	City    string
	ts      time.Time
}

// PTRFunc returns the first reverse name for addr, or "".
type PTRFunc func(ctx context.Context, addr netip.Addr) string

type Enricher struct {
	mu     sync.RWMutex
	cache  map[netip.Addr]Result
	asnDB  *geoip2.Reader
	cityDB *geoip2.Reader
	ptr    PTRFunc
	now    func() time.Time
}

// New opens whichever GeoLite2 databases exist in dirs (first match wins).
// Missing databases are not an error: the enricher then only adds PTR names.
func New(dirs ...string) *Enricher {
	e := &Enricher{cache: map[netip.Addr]Result{}, ptr: LookupPTR, now: time.Now}
	if p := find(dirs, asnFile); p != "" {
		if db, err := geoip2.Open(p); err == nil {
			e.asnDB = db
		}
	}
	if p := find(dirs, cityFile); p != "" {
		if db, err := geoip2.Open(p); err == nil {
			e.cityDB = db
		}
	}
	return e
}

func find(dirs []string, name string) string {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		p := filepath.Join(d, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// WithPTR swaps the reverse resolver (tests).
func (e *Enricher) WithPTR(fn PTRFunc) *Enricher {
	e.ptr = fn
	return e
}

func (e *Enricher) Close() {
	if e == nil {
		return
	}
	if e.asnDB != nil {
		_ = e.asnDB.Close()
	}
	if e.cityDB != nil {
		_ = e.cityDB.Close()
	}
}

// Enabled reports whether at least one GeoIP database is open.
func (e *Enricher) Enabled() bool {
	return e != nil && (e.asnDB != nil || e.cityDB != nil)
}

// Lookup returns the cached annotation for addr, refreshing it after an hour.
func (e *Enricher) Lookup(addr netip.Addr) Result {
	now := e.now()
	e.mu.RLock()
	if r, ok := e.cache[addr]; ok && now.Sub(r.ts) < cacheTTL {
		e.mu.RUnlock()
		return r
	}
	e.mu.RUnlock()

	r := Result{ts: now}
	if !addr.IsValid() {
		return r
	}

	ctx, cancel := context.WithTimeout(context.Background(), ptrTimeout)
	r.PTR = e.ptr(ctx, addr)
	cancel()

	ip := net.IP(addr.AsSlice())
	if e.asnDB != nil {
		if rec, err := e.asnDB.ASN(ip); err == nil && rec != nil {
			r.ASN = rec.AutonomousSystemNumber
			r.ASNName = rec.AutonomousSystemOrganization
		}
	}
	if e.cityDB != nil {
		if rec, err := e.cityDB.City(ip); err == nil && rec != nil {
			if name := rec.Country.Names["en"]; name != "" {
				r.Country = name
			} else {
				r.Country = rec.Country.IsoCode
			}
			r.City = rec.City.Names["en"]
		}
	}

	e.mu.Lock()
	e.cache[addr] = r
	e.mu.Unlock()
	return r
}

// Fields renders the annotation of addr as logger key/value pairs, leaving
// out what is unknown. A nil Enricher or an unparsable address yields none.
func (e *Enricher) Fields(addr string) []any {
	if e == nil {
		return nil
	}
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return nil
	}
	r := e.Lookup(a)
	var kv []any
	if r.PTR != "" {
		kv = append(kv, "ptr", r.PTR)
	}
	if r.ASN != 0 {
		kv = append(kv, "asn", r.ASN, "org", r.ASNName)
	}
	if r.Country != "" {
		kv = append(kv, "country", r.Country)
	}
	if r.City != "" {
		kv = append(kv, "city", r.City)
	}
	return kv
}

// LookupPTR asks the first resolv.conf nameserver for the PTR of addr.
func LookupPTR(ctx context.Context, addr netip.Addr) string {
	arpa, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return ""
	}
	cfg, _ := dns.ClientConfigFromFile("/etc/resolv.conf")
	if cfg == nil || len(cfg.Servers) == 0 {
		return ""
	}
	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	r, _, err := new(dns.Client).ExchangeContext(ctx, m, net.JoinHostPort(cfg.Servers[0], cfg.Port))
	if err != nil || r.Rcode != dns.RcodeSuccess {
		return ""
	}
	for _, rr := range r.Answer {
		if p, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(p.Ptr, ".")
		}
	}
	return ""
}
