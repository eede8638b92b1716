package approval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chromeDesktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	chromeMobileUA  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36"
	firefoxUA       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0"
	edgeUA          = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0"
	safariUA        = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15"
)

func bindAndVerify(t *testing.T, cfg Config, bound, presented ClientInfo) error {
	t.Helper()
	s, _ := newTestApprovalStore(t, cfg)
	ctx := context.Background()
	require.NoError(t, s.Bind(ctx, "q1", bound))
	return s.VerifyBinding(ctx, "q1", presented)
}

func TestVerifyBindingMatch(t *testing.T) {
	client := ClientInfo{SessionID: "s1", UserID: "u1", IP: "10.0.0.1", UserAgent: chromeDesktopUA}
	assert.NoError(t, bindAndVerify(t, Config{}, client, client))
}

func TestVerifyBindingFieldMismatches(t *testing.T) {
	bound := ClientInfo{SessionID: "s1", UserID: "u1", IP: "10.0.0.1", UserAgent: chromeDesktopUA}

	tests := []struct {
		name      string
		cfg       Config
		presented ClientInfo
		wantField string
	}{
		{
			name:      "different session",
			presented: ClientInfo{SessionID: "s2", UserID: "u1", IP: "10.0.0.1", UserAgent: chromeDesktopUA},
			wantField: "session_id",
		},
		{
			name:      "different user",
			presented: ClientInfo{SessionID: "s1", UserID: "u2", IP: "10.0.0.1", UserAgent: chromeDesktopUA},
			wantField: "user_id",
		},
		{
			name:      "different subnet",
			presented: ClientInfo{SessionID: "s1", UserID: "u1", IP: "10.0.1.9", UserAgent: chromeDesktopUA},
			wantField: "ip",
		},
		{
			name:      "strict rejects same subnet",
			cfg:       Config{IPPolicy: IPPolicyStrict},
			presented: ClientInfo{SessionID: "s1", UserID: "u1", IP: "10.0.0.2", UserAgent: chromeDesktopUA},
			wantField: "ip",
		},
		{
			name:      "different browser family",
			presented: ClientInfo{SessionID: "s1", UserID: "u1", IP: "10.0.0.1", UserAgent: firefoxUA},
			wantField: "user_agent",
		},
		{
			name:      "different form factor",
			presented: ClientInfo{SessionID: "s1", UserID: "u1", IP: "10.0.0.1", UserAgent: chromeMobileUA},
			wantField: "user_agent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bindAndVerify(t, tt.cfg, bound, tt.presented)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBindingMismatch)
			var mismatch *BindingMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, tt.wantField, mismatch.Field)
		})
	}
}

func TestVerifyBindingTolerances(t *testing.T) {
	bound := ClientInfo{SessionID: "s1", UserID: "u1", IP: "10.0.0.1", UserAgent: chromeDesktopUA}

	// subnet policy accepts a neighbour address
	sameNet := bound
	sameNet.IP = "10.0.0.200"
	assert.NoError(t, bindAndVerify(t, Config{IPPolicy: IPPolicySubnet}, bound, sameNet))

	// none policy ignores the IP entirely
	elsewhere := bound
	elsewhere.IP = "203.0.113.7"
	assert.NoError(t, bindAndVerify(t, Config{IPPolicy: IPPolicyNone}, bound, elsewhere))

	// a browser upgrade within the same family still matches
	upgraded := bound
	upgraded.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"
	assert.NoError(t, bindAndVerify(t, Config{}, bound, upgraded))
}

func TestVerifyBindingMissingRecord(t *testing.T) {
	s, _ := newTestApprovalStore(t, Config{})
	err := s.VerifyBinding(context.Background(), "never-bound", ClientInfo{SessionID: "s1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindingMismatch)
}

func TestVerifyBindingDetectsTampering(t *testing.T) {
	s, m := newTestApprovalStore(t, Config{})
	ctx := context.Background()
	client := ClientInfo{SessionID: "s1", UserID: "u1", IP: "10.0.0.1", UserAgent: chromeDesktopUA}
	require.NoError(t, s.Bind(ctx, "q1", client))

	// rewrite the stored record with a different user, keeping the seal
	raw, err := m.Get("approval:binding:q1")
	require.NoError(t, err)
	var binding SessionBinding
	require.NoError(t, json.Unmarshal([]byte(raw), &binding))
	binding.UserID = "u2"
	tampered, err := json.Marshal(binding)
	require.NoError(t, err)
	m.Set("approval:binding:q1", string(tampered))

	presented := client
	presented.UserID = "u2"
	verr := s.VerifyBinding(ctx, "q1", presented)
	require.Error(t, verr)
	var mismatch *BindingMismatchError
	require.ErrorAs(t, verr, &mismatch)
	assert.Equal(t, "fingerprint", mismatch.Field)
}

func TestBrowserFamily(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"chrome", chromeDesktopUA, "chrome"},
		{"firefox", firefoxUA, "firefox"},
		{"edge embeds chrome", edgeUA, "edge"},
		{"safari", safariUA, "safari"},
		{"empty", "", "unknown"},
		{"curl", "curl/8.6.0", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, browserFamily(tt.ua))
		})
	}
}

func TestFormFactor(t *testing.T) {
	assert.Equal(t, "desktop", formFactor(chromeDesktopUA))
	assert.Equal(t, "mobile", formFactor(chromeMobileUA))
	assert.Equal(t, "desktop", formFactor(""))
}

func TestSameSubnet(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", "10.0.0.1", "10.0.0.1", true},
		{"same v4 slash24", "10.0.0.1", "10.0.0.254", true},
		{"different v4 slash24", "10.0.0.1", "10.0.1.1", false},
		{"same v6 slash64", "2001:db8::1", "2001:db8::ffff", true},
		{"different v6 slash64", "2001:db8::1", "2001:db9::1", false},
		{"unparseable falls back to equality", "not-an-ip", "not-an-ip", true},
		{"unparseable mismatch", "not-an-ip", "10.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameSubnet(tt.a, tt.b))
		})
	}
}
