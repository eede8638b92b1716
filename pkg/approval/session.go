package approval

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/queryweaver/queryweaver/pkg/store"
)

// ErrBindingMismatch tags every session-binding verification failure.
var ErrBindingMismatch = errors.New("session binding mismatch")

// BindingMismatchError reports which binding field failed verification.
type BindingMismatchError struct {
	QueryID string
	Field   string
}

func (e *BindingMismatchError) Error() string {
	return fmt.Sprintf("session binding mismatch for query %s: %s", e.QueryID, e.Field)
}

func (e *BindingMismatchError) Unwrap() error {
	return ErrBindingMismatch
}

// IPPolicy controls how strictly the approver's IP must match the IP bound
// at query initiation.
type IPPolicy string

const (
	// IPPolicyStrict requires an exact IP match
	IPPolicyStrict IPPolicy = "strict"
	// IPPolicySubnet allows the same /24 (IPv4) or /64 (IPv6)
	IPPolicySubnet IPPolicy = "subnet"
	// IPPolicyNone skips the IP check
	IPPolicyNone IPPolicy = "none"
)

// IsValid checks if the IP policy is valid
func (p IPPolicy) IsValid() bool {
	return p == IPPolicyStrict || p == IPPolicySubnet || p == IPPolicyNone
}

// ClientInfo is the client identity presented with a request.
type ClientInfo struct {
	SessionID string
	UserID    string
	IP        string
	UserAgent string
}

// SessionBinding is the client identity captured at query initiation, sealed
// with an HMAC fingerprint so a tampered record fails verification.
type SessionBinding struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent"`
	Fingerprint string    `json:"fingerprint"`
	BoundAt     time.Time `json:"bound_at"`
}

// Bind records the client identity for a query. Must be called at query
// initiation so a later approval can be verified against it.
func (s *Store) Bind(ctx context.Context, queryID string, c ClientInfo) error {
	binding := SessionBinding{
		SessionID:   c.SessionID,
		UserID:      c.UserID,
		IP:          c.IP,
		UserAgent:   c.UserAgent,
		Fingerprint: s.fingerprint(c.SessionID, c.UserID, c.IP, c.UserAgent),
		BoundAt:     s.now().UTC(),
	}
	data, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("encode session binding for query %s: %w", queryID, err)
	}
	if err := s.store.Set(ctx, bindingKeyPrefix+queryID, data, s.cfg.PendingTTL); err != nil {
		return fmt.Errorf("store session binding for query %s: %w", queryID, err)
	}
	return nil
}

// VerifyBinding checks the approver's identity against the binding captured
// at query initiation: fingerprint integrity first, then session, user, IP
// (per policy) and user-agent (by browser family and form factor). Any
// mismatch is logged as a security event and rejected.
func (s *Store) VerifyBinding(ctx context.Context, queryID string, c ClientInfo) error {
	data, err := s.store.Get(ctx, bindingKeyPrefix+queryID)
	if errors.Is(err, store.ErrNotFound) {
		return s.reject(queryID, c, "no binding record")
	}
	if err != nil {
		return fmt.Errorf("load session binding for query %s: %w", queryID, err)
	}
	var binding SessionBinding
	if err := json.Unmarshal(data, &binding); err != nil {
		return fmt.Errorf("decode session binding for query %s: %w", queryID, err)
	}

	if !s.fingerprintMatches(binding) {
		return s.reject(queryID, c, "fingerprint")
	}
	if binding.SessionID != c.SessionID {
		return s.reject(queryID, c, "session_id")
	}
	if binding.UserID != c.UserID {
		return s.reject(queryID, c, "user_id")
	}
	switch s.cfg.IPPolicy {
	case IPPolicyStrict:
		if binding.IP != c.IP {
			return s.reject(queryID, c, "ip")
		}
	case IPPolicySubnet:
		if !sameSubnet(binding.IP, c.IP) {
			return s.reject(queryID, c, "ip")
		}
	case IPPolicyNone:
	}
	if browserFamily(binding.UserAgent) != browserFamily(c.UserAgent) ||
		formFactor(binding.UserAgent) != formFactor(c.UserAgent) {
		return s.reject(queryID, c, "user_agent")
	}
	return nil
}

// reject logs the security event and returns the typed mismatch error.
func (s *Store) reject(queryID string, c ClientInfo, field string) error {
	slog.Warn("Session binding rejected",
		"query_id", queryID,
		"field", field,
		"user_id", c.UserID,
		"ip", c.IP)
	return &BindingMismatchError{QueryID: queryID, Field: field}
}

// fingerprint seals the bound identity tuple with the store's HMAC secret.
func (s *Store) fingerprint(sessionID, userID, ip, userAgent string) string {
	mac := hmac.New(sha256.New, s.secret)
	for i, field := range []string{sessionID, userID, ip, userAgent} {
		if i > 0 {
			mac.Write([]byte{0})
		}
		mac.Write([]byte(field))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// fingerprintMatches recomputes the seal over the stored fields and compares
// it in constant time, so a record altered in the store fails verification.
func (s *Store) fingerprintMatches(b SessionBinding) bool {
	want := s.fingerprint(b.SessionID, b.UserID, b.IP, b.UserAgent)
	return hmac.Equal([]byte(b.Fingerprint), []byte(want))
}

// sameSubnet reports whether two addresses fall in the same /24 (IPv4) or
// /64 (IPv6). Unparseable addresses fall back to exact comparison.
func sameSubnet(a, b string) bool {
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	if ipA == nil || ipB == nil {
		return a == b
	}
	if a4, b4 := ipA.To4(), ipB.To4(); a4 != nil && b4 != nil {
		return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
	}
	return bytes.Equal(ipA.To16()[:8], ipB.To16()[:8])
}

// browserFamily buckets a User-Agent into a coarse family. Order matters:
// Edge and Opera embed "Chrome", and Chrome embeds "Safari".
func browserFamily(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge/"):
		return "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "firefox/"):
		return "firefox"
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "chromium"):
		return "chrome"
	case strings.Contains(ua, "safari/"):
		return "safari"
	default:
		return "other"
	}
}

// formFactor distinguishes mobile from desktop clients.
func formFactor(ua string) string {
	ua = strings.ToLower(ua)
	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") {
		return "mobile"
	}
	return "desktop"
}
