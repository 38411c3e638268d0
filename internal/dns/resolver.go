// Package dns implements the read-only name resolution surface of spec.md
// §6: A/AAAA answers derived from machine interface allocations, BMC IPs,
// and static zone data.
package dns

import (
	"net"
	"strings"
	"sync"

	"github.com/carbide-infra/carbide/internal/network"
)

// QType selects which record type is being resolved.
type QType int

const (
	QTypeA QType = iota
	QTypeAAAA
)

// Resolver answers LookupRecord queries from three sources, checked in
// order: static zone entries, BMC IP overrides, then the network
// allocator's machine-interface leases.
type Resolver struct {
	allocator *network.Allocator

	mu     sync.RWMutex
	static map[string]net.IP
	bmc    map[string]net.IP
}

// NewResolver constructs a Resolver backed by allocator.
func NewResolver(allocator *network.Allocator) *Resolver {
	return &Resolver{
		allocator: allocator,
		static:    make(map[string]net.IP),
		bmc:       make(map[string]net.IP),
	}
}

// SetStaticRecord installs or overwrites a static A/AAAA answer for qname.
func (r *Resolver) SetStaticRecord(qname string, ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static[strings.ToLower(qname)] = ip
}

// SetBMCRecord installs or overwrites the BMC IP answer for qname.
func (r *Resolver) SetBMCRecord(qname string, ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bmc[strings.ToLower(qname)] = ip
}

// LookupRecord answers qname for the given qtype, or (nil, false) if no
// source has a matching record.
func (r *Resolver) LookupRecord(qname string, qtype QType) (net.IP, bool) {
	qname = strings.ToLower(qname)

	r.mu.RLock()
	if ip, ok := r.static[qname]; ok && matchesFamily(ip, qtype) {
		r.mu.RUnlock()
		return ip, true
	}
	if ip, ok := r.bmc[qname]; ok && matchesFamily(ip, qtype) {
		r.mu.RUnlock()
		return ip, true
	}
	r.mu.RUnlock()

	if ip, ok := r.allocator.Lookup(qname); ok && matchesFamily(ip, qtype) {
		return ip, true
	}
	return nil, false
}

func matchesFamily(ip net.IP, qtype QType) bool {
	is4 := ip.To4() != nil
	if qtype == QTypeA {
		return is4
	}
	return !is4
}
