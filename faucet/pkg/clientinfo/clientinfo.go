// Package clientinfo derives the identity and informational metadata of an
// inbound faucet request.
package clientinfo

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// UnknownIP is used when neither a forwarded address nor a transport address
// is available.
const UnknownIP = "unknown-ip"

// Unknown fills metadata fields that a lookup could not determine.
const Unknown = "Unknown"

// Geography is the coarse location of an origin address.
type Geography struct {
	Country  string `json:"country"`
	Region   string `json:"region"`
	City     string `json:"city"`
	Timezone string `json:"timezone"`
}

// Context is everything known about the caller at admission time. Geography
// and Classification are informational only and may be nil.
type Context struct {
	OriginAddress  string          `json:"originAddress"`
	UserAgent      string          `json:"userAgent"`
	Geography      *Geography      `json:"geography,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}

// GeoLookup resolves an IP to a geography. A nil result with a nil error means
// the address is not in the database.
type GeoLookup interface {
	Lookup(ip net.IP) (*Geography, error)
}

type ResolverConfig struct {
	Logger *slog.Logger
	Geo    GeoLookup // optional
}

func (cfg *ResolverConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Resolver turns an *http.Request into a Context. It never fails.
type Resolver struct {
	log *slog.Logger
	cfg ResolverConfig
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Resolver) Resolve(req *http.Request) Context {
	ua := strings.TrimSpace(req.Header.Get("User-Agent"))
	if ua == "" {
		ua = "unknown"
	}
	origin := OriginAddress(req)
	classification := Classify(ua)
	return Context{
		OriginAddress:  origin,
		UserAgent:      ua,
		Geography:      r.geography(origin),
		Classification: &classification,
	}
}

func (r *Resolver) geography(origin string) *Geography {
	if r.cfg.Geo == nil || origin == UnknownIP {
		return nil
	}
	ip := net.ParseIP(origin)
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return nil
	}
	geo, err := r.cfg.Geo.Lookup(ip)
	if err != nil {
		r.log.Debug("clientinfo: geo lookup failed", "ip", origin, "error", err)
		return nil
	}
	return geo
}

// OriginAddress returns the first X-Forwarded-For value when present, else the
// host part of the transport address, else UnknownIP.
func OriginAddress(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if req.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		if host = strings.TrimSpace(host); host != "" {
			return host
		}
	}
	return UnknownIP
}
