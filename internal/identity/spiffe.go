// Package identity verifies the SPIFFE identity a replica declares
// when it joins via JOIN/SUBSCRIBE — the one place boxd's otherwise
// single-process trust boundary opens outward: JOIN/SUBSCRIBE are
// synchronous admin requests that hand the connection to a streaming
// role. This wraps an X509Source and does SVID fingerprinting, but
// only validates the SPIFFE ID a replica states in its join request
// against this process's configured trust domain — boxd terminates
// plain TCP on the IPROTO port, so there is no peer certificate to
// verify without first wrapping the listener in TLS.
package identity

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// PeerVerifier resolves this process's own SPIFFE identity from the
// SPIRE workload API and checks a replica's claimed identity against
// the configured trust domain.
type PeerVerifier struct {
	source      *workloadapi.X509Source
	trustDomain spiffeid.TrustDomain
}

// NewPeerVerifier connects to the workload API at socketPath, bound
// to trustDomain. A short dial timeout keeps a stalled SPIRE agent
// from blocking process startup.
func NewPeerVerifier(ctx context.Context, socketPath, trustDomain string) (*PeerVerifier, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid trust domain %q: %w", trustDomain, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(dialCtx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("identity: connect to workload API at %s: %w", socketPath, err)
	}
	return &PeerVerifier{source: source, trustDomain: td}, nil
}

// VerifyReplicaID parses a replica's claimed SPIFFE ID and confirms it
// belongs to the configured trust domain, returning a stable
// fingerprint of this process's own SVID for the accepted-join log
// line.
func (v *PeerVerifier) VerifyReplicaID(claimedID string) (fingerprint uint64, err error) {
	id, err := spiffeid.FromString(claimedID)
	if err != nil {
		return 0, fmt.Errorf("identity: invalid replica SPIFFE ID %q: %w", claimedID, err)
	}
	if id.TrustDomain() != v.trustDomain {
		return 0, fmt.Errorf("identity: replica %s is outside trust domain %s", id, v.trustDomain)
	}

	svid, err := v.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("identity: read local SVID: %w", err)
	}
	return svidFingerprint(svid.Certificates[0].Raw), nil
}

// Close releases the workload API connection.
func (v *PeerVerifier) Close() error {
	return v.source.Close()
}

func svidFingerprint(certDER []byte) uint64 {
	sum := sha256.Sum256(certDER)
	var out uint64
	for i := 0; i < 8; i++ {
		out = (out << 8) | uint64(sum[i])
	}
	return out
}
