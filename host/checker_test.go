package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/netutil"
)

func grantOf(t *testing.T, reqs ...string) *capability.Grant {
	t.Helper()
	model := capability.NewModel()
	_, err := model.Declare(&component.Descriptor{ID: "c", Version: "1.0.0", Capabilities: reqs})
	require.NoError(t, err)
	requested, err := capability.ParseRequirements(reqs)
	require.NoError(t, err)
	g, err := model.Grant("c", requested)
	require.NoError(t, err)
	return g
}

type denial struct {
	kind, target string
}

func newChecker(t *testing.T, reqs ...string) (*capabilityChecker, *[]denial) {
	t.Helper()
	var denials []denial
	return &capabilityChecker{
		componentID: "c",
		grant:       grantOf(t, reqs...),
		denialHandler: func(_ context.Context, _, kind, target, _ string) {
			denials = append(denials, denial{kind: kind, target: target})
		},
	}, &denials
}

func TestCapabilityChecker_Check(t *testing.T) {
	checker, denials := newChecker(t, "fs.read:/data/**", "env:APP_*")
	ctx := context.Background()

	assert.True(t, checker.Check(ctx, "fs.read:/data/in.csv"))
	assert.True(t, checker.Check(ctx, "env:APP_TOKEN"))
	assert.False(t, checker.Check(ctx, "fs.write:/data/in.csv"))
	assert.False(t, checker.Check(ctx, "env:HOME"))
	assert.False(t, checker.Check(ctx, "garbage"))

	assert.Len(t, *denials, 3)
}

func TestCapabilityChecker_Network(t *testing.T) {
	checker, denials := newChecker(t, "network:api.example.com", "network:*.internal.example.com:8443")
	ctx := context.Background()

	assert.True(t, checker.AllowHost("api.example.com", "443"))
	assert.True(t, checker.AllowHost("db.internal.example.com", "8443"))
	assert.False(t, checker.AllowHost("db.internal.example.com", "443"))
	assert.False(t, checker.AllowHost("other.org", "443"))
	assert.False(t, checker.AllowsPrivateNetwork())

	require.NoError(t, checker.CheckURL(ctx, "https://api.example.com/v1"))
	err := checker.CheckURL(ctx, "https://other.org/data")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other.org:443")
	assert.Equal(t, []denial{{kind: "network", target: "other.org:443"}}, *denials)
}

func TestPerformHTTPRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	client := netutil.NewClient(netutil.ClientConfig{
		Allow:               func(host, _ string) bool { return host == "127.0.0.1" },
		AllowPrivateNetwork: true,
		MaxRetries:          -1,
	})

	t.Run("ok", func(t *testing.T) {
		resp := performHTTPRequest(context.Background(), client, HTTPRequest{URL: server.URL}, time.Second, 1024)
		require.Nil(t, resp.Error)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, resp.Body, 100)
		assert.Equal(t, []string{"GET"}, resp.Headers["X-Method"])
		assert.False(t, resp.BodyTruncated)
	})

	t.Run("truncated", func(t *testing.T) {
		resp := performHTTPRequest(context.Background(), client, HTTPRequest{URL: server.URL, Method: "post"}, time.Second, 10)
		require.Nil(t, resp.Error)
		assert.True(t, resp.BodyTruncated)
		assert.Len(t, resp.Body, 10)
		assert.Equal(t, []string{"POST"}, resp.Headers["X-Method"])
	})

	t.Run("missing url", func(t *testing.T) {
		resp := performHTTPRequest(context.Background(), client, HTTPRequest{}, time.Second, 10)
		require.NotNil(t, resp.Error)
		assert.Equal(t, HTTPInvalidRequest, resp.Error.Code)
	})

	t.Run("host not granted", func(t *testing.T) {
		resp := performHTTPRequest(context.Background(), client, HTTPRequest{URL: "http://other.org/"}, time.Second, 10)
		require.NotNil(t, resp.Error)
		assert.Equal(t, HTTPCapabilityDenied, resp.Error.Code)
	})
}
