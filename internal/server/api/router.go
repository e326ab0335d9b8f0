package api

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/Alia5/CANIPER/usb"
)

// Request contains route parameters and additional args from the command.
type Request struct {
	Ctx     context.Context
	Params  map[string]string
	Payload string
}

// Response holds the JSON string to return to the client.
type Response struct {
	JSON string
}

// HandlerFunc processes a request and populates the response.
// The logger is connection scoped.
type HandlerFunc func(req *Request, res *Response, logger *slog.Logger) error

// StreamHandlerFunc handles a long-lived connection bound to one device.
// It returns when the client disconnects or the connection is closed because
// the device was removed.
type StreamHandlerFunc func(conn net.Conn, dev *usb.Device, logger *slog.Logger) error

// pattern is a route like "bus/{id}/list"; placeholders keep their original
// case as parameter names.
type pattern struct {
	parts []string
	names []string
}

func compile(p string) pattern {
	orig := strings.Split(p, "/")
	pt := pattern{parts: make([]string, len(orig)), names: make([]string, len(orig))}
	for i, part := range orig {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			pt.names[i] = part[1 : len(part)-1]
			continue
		}
		pt.parts[i] = strings.ToLower(part)
	}
	return pt
}

func (pt pattern) match(parts []string) (map[string]string, bool) {
	if len(parts) != len(pt.parts) {
		return nil, false
	}
	params := map[string]string{}
	for i, part := range parts {
		if pt.names[i] != "" {
			params[pt.names[i]] = part
			continue
		}
		if pt.parts[i] != part {
			return nil, false
		}
	}
	return params, true
}

// Router implements simple path pattern matching with placeholders in {name}.
type Router struct {
	routes       []route[HandlerFunc]
	streamRoutes []route[StreamHandlerFunc]
}

type route[H any] struct {
	pattern pattern
	handler H
}

// NewRouter returns a new Router instance.
func NewRouter() *Router { return &Router{} }

// Register registers a handler for a path pattern like "bus/{id}/list".
func (r *Router) Register(p string, handler HandlerFunc) {
	r.routes = append(r.routes, route[HandlerFunc]{compile(p), handler})
}

// RegisterStream registers a StreamHandler for long-lived TCP connections.
func (r *Router) RegisterStream(p string, handler StreamHandlerFunc) {
	r.streamRoutes = append(r.streamRoutes, route[StreamHandlerFunc]{compile(p), handler})
}

func lookup[H any](routes []route[H], path string) (H, map[string]string) {
	parts := strings.Split(strings.ToLower(path), "/")
	for _, rt := range routes {
		if params, ok := rt.pattern.match(parts); ok {
			return rt.handler, params
		}
	}
	var zero H
	return zero, nil
}

// Match returns the HandlerFunc and params of the first route matching path,
// or nil.
func (r *Router) Match(path string) (HandlerFunc, map[string]string) {
	return lookup(r.routes, path)
}

// MatchStream is Match for stream routes.
func (r *Router) MatchStream(path string) (StreamHandlerFunc, map[string]string) {
	return lookup(r.streamRoutes, path)
}
