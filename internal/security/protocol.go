package security

import (
	"crypto/tls"
	"fmt"
)

// Protocol names the TLS protocol family a Context negotiates.
type Protocol int

const (
	SSL Protocol = iota
	SSLv2
	SSLv3
	TLS
	TLSv1
	TLSv1_1
	TLSv1_2
	TLSv1_3
)

var protocolNames = map[Protocol]string{
	SSL:     "SSL",
	SSLv2:   "SSLv2",
	SSLv3:   "SSLv3",
	TLS:     "TLS",
	TLSv1:   "TLSv1",
	TLSv1_1: "TLSv1.1",
	TLSv1_2: "TLSv1.2",
	TLSv1_3: "TLSv1.3",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

// ParseProtocol maps a protocol name such as "TLSv1.3" to a Protocol.
func ParseProtocol(name string) (Protocol, error) {
	for p, n := range protocolNames {
		if n == name {
			return p, nil
		}
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown protocol %q", name)}
}

// Deprecated reports whether p predates TLS 1.2.
func (p Protocol) Deprecated() bool {
	return p < TLSv1_2
}

// versions returns the minimum and maximum TLS versions for p. Named versions
// cap the maximum; only the deprecated ones let the minimum drop below TLS 1.2.
// The SSL family and the unversioned "TLS" name have no Go equivalent and fall
// back to the oldest TLS version Go still speaks, leaving the maximum open.
func (p Protocol) versions() (uint16, uint16) {
	switch p {
	case TLSv1:
		return tls.VersionTLS10, tls.VersionTLS10
	case TLSv1_1:
		return tls.VersionTLS10, tls.VersionTLS11
	case TLSv1_2:
		return tls.VersionTLS12, tls.VersionTLS12
	case TLSv1_3:
		return tls.VersionTLS12, tls.VersionTLS13
	default:
		return tls.VersionTLS10, 0
	}
}
