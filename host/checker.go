package host

import (
	"context"
	"fmt"
	"net/url"

	"github.com/reglet-dev/reglet-graph/capability"
)

// DenialHandler is called whenever a component is refused something at
// run time. It allows custom logging or auditing.
type DenialHandler func(ctx context.Context, componentID, kind, target, message string)

// capabilityChecker answers run-time capability questions for one instance.
type capabilityChecker struct {
	grant         *capability.Grant
	denialHandler DenialHandler
	componentID   string
}

// Check reports whether the grant covers a requirement string such as
// "fs.read:/data/in.csv". Malformed requirements are denied.
func (c *capabilityChecker) Check(ctx context.Context, raw string) bool {
	req, err := capability.ParseRequirement(raw)
	if err != nil {
		c.deny(ctx, "unknown", raw, fmt.Sprintf("invalid requirement: %v", err))
		return false
	}
	if c.grant.Allows(req) {
		return true
	}
	c.deny(ctx, string(req.Kind), req.Scope, "not granted")
	return false
}

// AllowHost reports whether the grant reaches host:port.
func (c *capabilityChecker) AllowHost(host, port string) bool {
	for _, req := range c.grant.Requirements().Of(capability.KindNetwork) {
		if req.AllowsHost(host, port) {
			return true
		}
	}
	return false
}

// AllowsPrivateNetwork reports whether a loopback host was granted explicitly.
func (c *capabilityChecker) AllowsPrivateNetwork() bool {
	for _, req := range c.grant.Requirements().Of(capability.KindNetwork) {
		if req.IsBroad() {
			continue
		}
		if req.AllowsHost("localhost", "") || req.AllowsHost("127.0.0.1", "") {
			return true
		}
	}
	return false
}

// CheckURL refuses a request URL whose host is not granted, before any dial.
func (c *capabilityChecker) CheckURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		port = "80"
		if parsed.Scheme == "https" {
			port = "443"
		}
	}
	if c.AllowHost(parsed.Hostname(), port) {
		return nil
	}
	target := parsed.Hostname() + ":" + port
	msg := "network capability denied: " + target
	c.deny(ctx, string(capability.KindNetwork), target, msg)
	return fmt.Errorf("%s", msg)
}

func (c *capabilityChecker) deny(ctx context.Context, kind, target, message string) {
	if c.denialHandler != nil {
		c.denialHandler(ctx, c.componentID, kind, target, message)
	}
}
