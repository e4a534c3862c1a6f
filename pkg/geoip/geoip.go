// Package geoip resolves a fallback location hint from the client IP when a
// connection upgrade arrives without X-Location-Hint. Lookups use an MMDB
// database (MaxMind GeoLite2, DB-IP Lite, or compatible).
package geoip

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Resolver maps client IPs to coarse location hints.
type Resolver struct {
	db *geoip2.Reader
}

// NewResolver opens an MMDB file. Returns nil, nil when no path is
// configured or the file is absent, so callers degrade to the default hint.
func NewResolver(mmdbPath string) (*Resolver, error) {
	if mmdbPath == "" {
		return nil, nil
	}

	db, err := geoip2.Open(mmdbPath)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") || strings.Contains(err.Error(), "cannot find") {
			return nil, nil
		}
		return nil, err
	}
	return &Resolver{db: db}, nil
}

// Hint returns a location hint for the IP: the lowercase ISO country code,
// or "" when the IP is unknown, private, or unparseable.
func (r *Resolver) Hint(ipStr string) string {
	if r == nil || r.db == nil {
		return ""
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}

	record, err := r.db.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return ""
	}
	return strings.ToLower(record.Country.IsoCode)
}

// Close releases the database handle.
func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
