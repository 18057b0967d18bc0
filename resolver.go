package netdicom

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks . AEResolver

// AEResolver maps an application entity title to a "host:port" address. It
// is consulted for the destination of C-MOVE.
type AEResolver interface {
	// Resolve returns an error wrapping ErrUnknownAE for titles it does not
	// know.
	Resolve(aeTitle string) (string, error)
}

// StaticResolver is a fixed AE title -> "host:port" table.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(aeTitle string) (string, error) {
	addr, ok := r[strings.TrimSpace(aeTitle)]
	if !ok {
		return "", errors.Wrapf(ErrUnknownAE, "%q", aeTitle)
	}
	return addr, nil
}

// ParseRemoteAEs parses a comma-separated list of "AE:host:port" entries, the
// format of the -remote-ae flag of the sample binaries.
func ParseRemoteAEs(s string) (StaticResolver, error) {
	r := StaticResolver{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		i := strings.IndexByte(entry, ':')
		if i <= 0 {
			return nil, errors.Errorf("remote AE %q: want AE:host:port", entry)
		}
		ae, addr := entry[:i], entry[i+1:]
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, errors.Wrapf(err, "remote AE %q", entry)
		}
		if len(ae) > 16 {
			return nil, errors.Errorf("remote AE %q: title longer than 16 bytes", entry)
		}
		r[ae] = addr
	}
	return r, nil
}
