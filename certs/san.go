package certs

import (
	"net/netip"
	"strings"
)

// SANList is the set of identities a generated certificate is valid for.
type SANList struct {
	DNSNames []string
	IPs      []netip.Addr
}

// NewSANList builds the list for localhost plus the given addresses, in order.
func NewSANList(ips []netip.Addr) SANList {
	return SANList{DNSNames: []string{"localhost"}, IPs: ips}
}

// String renders the list in openssl's subjectAltName syntax,
// e.g. "DNS:localhost,IP:127.0.0.1,IP:192.168.1.5".
func (s SANList) String() string {
	entries := make([]string, 0, len(s.DNSNames)+len(s.IPs))
	for _, d := range s.DNSNames {
		entries = append(entries, "DNS:"+d)
	}
	for _, ip := range s.IPs {
		entries = append(entries, "IP:"+ip.String())
	}
	return strings.Join(entries, ",")
}
