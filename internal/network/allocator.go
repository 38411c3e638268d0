// Package network implements the DHCP discovery / prefix allocation layer
// recovered from original_source (spec.md §6's "DHCP discovery interface"
// and the route-server/prefix-allocator detail the distilled spec only
// gestures at).
package network

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
)

// Prefix is one allocatable CIDR block within a Segment.
type Prefix struct {
	ID       string
	CIDR     *net.IPNet
	Gateway  net.IP
	Reserved int // addresses at the start of the range never handed out
}

// Segment groups the prefixes reachable from one L2 domain.
type Segment struct {
	ID       string
	Name     string
	Prefixes []Prefix
	MTU      int
	BootURL  string
	ZoneName string
}

// Record is the allocation handed back to a DHCP responder.
type Record struct {
	FQDN                string
	Address             net.IP
	Prefix              *net.IPNet
	MTU                 int
	Gateway             net.IP
	BootURL             string
	MachineInterfaceID  string
}

// Allocator hands out addresses from a fixed set of Segments, remembering
// prior allocations per MAC so repeated discovery calls are idempotent
// (spec.md §8 scenario 1: "second call with a different MAC yields a
// different address" implies the same MAC must always yield the SAME
// one).
type Allocator struct {
	mu         sync.Mutex
	segments   map[string]*Segment
	byMAC      map[string]Record
	usedByCIDR map[string]map[string]struct{} // prefix.ID -> set of dotted addresses in use
}

// NewAllocator constructs an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		segments:   make(map[string]*Segment),
		byMAC:      make(map[string]Record),
		usedByCIDR: make(map[string]map[string]struct{}),
	}
}

// AddSegment registers seg for allocation.
func (a *Allocator) AddSegment(seg Segment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segments[seg.ID] = &seg
}

// Discover implements spec.md §6's DiscoverDhcp: idempotent per MAC,
// preferring requestedIP when it falls within the segment's range and is
// unused, else the next free address past the reserved offset.
func (a *Allocator) Discover(segmentID, mac, requestedIP string) (Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.byMAC[mac]; ok {
		return existing, nil
	}

	seg, ok := a.segments[segmentID]
	if !ok {
		return Record{}, carbideerrors.New(carbideerrors.NotFound, "network segment not found")
	}
	if len(seg.Prefixes) == 0 {
		return Record{}, carbideerrors.New(carbideerrors.FailedPrecondition, "network segment has no prefixes")
	}

	prefix := seg.Prefixes[0]
	used := a.usedByCIDR[prefix.ID]
	if used == nil {
		used = make(map[string]struct{})
		a.usedByCIDR[prefix.ID] = used
	}

	addr, err := a.pickAddress(prefix, requestedIP, used)
	if err != nil {
		return Record{}, err
	}
	used[addr.String()] = struct{}{}

	record := Record{
		FQDN:               fmt.Sprintf("%s.%s", sanitizeMAC(mac), seg.ZoneName),
		Address:            addr,
		Prefix:             prefix.CIDR,
		MTU:                seg.MTU,
		Gateway:            prefix.Gateway,
		BootURL:            seg.BootURL,
		MachineInterfaceID: sanitizeMAC(mac),
	}
	a.byMAC[mac] = record
	return record, nil
}

// pickAddress prefers requestedIP when it is inside prefix's range, past
// the reserved offset, and not already used; otherwise it scans forward
// from the reserved offset for the first free address.
func (a *Allocator) pickAddress(prefix Prefix, requestedIP string, used map[string]struct{}) (net.IP, error) {
	if requestedIP != "" {
		req := net.ParseIP(requestedIP)
		if req != nil && prefix.CIDR.Contains(req) && !isReserved(prefix, req) {
			if _, taken := used[req.String()]; !taken {
				return req, nil
			}
		}
	}

	base := prefix.CIDR.IP.Mask(prefix.CIDR.Mask)
	ones, bits := prefix.CIDR.Mask.Size()
	hostBits := bits - ones
	if hostBits > 30 {
		// Large (e.g. IPv6 /64) ranges are scanned over their first 2^30
		// offsets only; 1<<hostBits would otherwise overflow.
		hostBits = 30
	}
	maxHosts := 1 << uint(hostBits)

	for offset := prefix.Reserved + 1; offset < maxHosts-1; offset++ {
		candidate := offsetIP(base, offset)
		if !prefix.CIDR.Contains(candidate) {
			break
		}
		if _, taken := used[candidate.String()]; taken {
			continue
		}
		return candidate, nil
	}
	return nil, carbideerrors.New(carbideerrors.Unavailable, "network segment has no free addresses")
}

func isReserved(prefix Prefix, ip net.IP) bool {
	base := prefix.CIDR.IP.Mask(prefix.CIDR.Mask)
	for offset := 0; offset <= prefix.Reserved; offset++ {
		if offsetIP(base, offset).Equal(ip) {
			return true
		}
	}
	return false
}

func offsetIP(base net.IP, offset int) net.IP {
	ip4 := base.To4()
	if ip4 != nil {
		out := make(net.IP, len(ip4))
		copy(out, ip4)
		v := uint32(out[0])<<24 | uint32(out[1])<<16 | uint32(out[2])<<8 | uint32(out[3])
		v += uint32(offset)
		out[0] = byte(v >> 24)
		out[1] = byte(v >> 16)
		out[2] = byte(v >> 8)
		out[3] = byte(v)
		return out
	}
	out := make(net.IP, len(base))
	copy(out, base)
	for i := len(out) - 1; i >= 0 && offset > 0; i-- {
		sum := int(out[i]) + offset
		out[i] = byte(sum)
		offset = sum >> 8
	}
	return out
}

// Lookup returns the allocated address for fqdn (compared
// case-insensitively), if any machine interface currently holds it. Used by
// internal/dns to answer A/AAAA queries from
// the allocator's lease table.
func (a *Allocator) Lookup(fqdn string) (net.IP, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range a.byMAC {
		if strings.EqualFold(rec.FQDN, fqdn) {
			return rec.Address, true
		}
	}
	return nil, false
}

func sanitizeMAC(mac string) string {
	out := make([]byte, 0, len(mac))
	for i := 0; i < len(mac); i++ {
		if mac[i] != ':' {
			out = append(out, mac[i])
		}
	}
	return string(out)
}
