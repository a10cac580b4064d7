// Package reqctx assembles the per-call request context.
package reqctx

import (
	"strings"

	"github.com/sushant-115/txbridge/core/policy"
	"github.com/sushant-115/txbridge/core/schema"
)

// Privileged internal path: the platform's own auth handlers run under this
// version and routing prefix.
const (
	InternalVersionID = "__txbridge"
	AuthRoutePrefix   = "/auth/"
)

// Metadata is what a caller sends with every data operation.
type Metadata struct {
	VersionID   string      `json:"versionId"`
	Method      string      `json:"method,omitempty"`
	Path        string      `json:"path"`
	RoutingPath string      `json:"routingPath"`
	Headers     [][2]string `json:"headers,omitempty"`
	UserID      *string     `json:"userId,omitempty"`
}

// Context is the read-only bundle handed to the planner and mutation builders.
// It borrows the policy and type systems of the enclosing version and lives for
// a single call.
type Context struct {
	Policies    *policy.System
	Types       *schema.TypeSystem
	VersionID   string
	UserID      *string
	Path        string
	RoutingPath string
	Headers     map[string]string
}

func New(ps *policy.System, ts *schema.TypeSystem, md Metadata) *Context {
	headers := make(map[string]string, len(md.Headers))
	for _, kv := range md.Headers {
		headers[strings.ToLower(kv[0])] = kv[1]
	}
	var user *string
	if md.UserID != nil {
		u := *md.UserID
		user = &u
	}
	return &Context{
		Policies:    ps,
		Types:       ts,
		VersionID:   md.VersionID,
		UserID:      user,
		Path:        md.Path,
		RoutingPath: md.RoutingPath,
		Headers:     headers,
	}
}

// IsAuthPath reports whether a call arrives over the privileged internal path.
func IsAuthPath(versionID, routingPath string) bool {
	return versionID == InternalVersionID && strings.HasPrefix(routingPath, AuthRoutePrefix)
}

func (c *Context) IsAuthPath() bool {
	return IsAuthPath(c.VersionID, c.RoutingPath)
}

// PolicyVars exposes the context to policy rules as the `ctx` variable.
func (c *Context) PolicyVars() map[string]any {
	var user any
	if c.UserID != nil {
		user = *c.UserID
	}
	headers := make(map[string]any, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = v
	}
	return map[string]any{
		"user_id":      user,
		"path":         c.Path,
		"routing_path": c.RoutingPath,
		"version_id":   c.VersionID,
		"headers":      headers,
	}
}
