package web

import (
	"strings"
	"sync"

	"github.com/valyala/fasthttp"
)

// RequestHandler handles one admin request. Path parameters declared with
// a leading colon arrive in params.
type RequestHandler func(ctx *fasthttp.RequestCtx, params map[string]string) error

// Middleware wraps a RequestHandler.
type Middleware func(next RequestHandler) RequestHandler

type route struct {
	method  string
	path    string
	handler RequestHandler
}

// router matches method and path, with :param segments.
type router struct {
	mu         sync.RWMutex
	routes     []*route
	middleware []Middleware
}

func newRouter() *router {
	return &router{}
}

func (r *router) GET(path string, handler RequestHandler) {
	r.Route("GET", path, handler)
}

func (r *router) Route(method, path string, handler RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, &route{method: method, path: path, handler: handler})
}

func (r *router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

func (r *router) handle(ctx *fasthttp.RequestCtx) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	method := string(ctx.Method())
	path := string(ctx.Path())

	for _, rt := range r.routes {
		if rt.method != method || !matchPath(rt.path, path) {
			continue
		}
		params := make(map[string]string)
		extractParams(rt.path, path, params)

		handler := rt.handler
		// Last added runs outermost.
		for i := len(r.middleware) - 1; i >= 0; i-- {
			handler = r.middleware[i](handler)
		}
		if err := handler(ctx, params); err != nil {
			ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		}
		return
	}

	ctx.Error("Not Found", fasthttp.StatusNotFound)
}

func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	if len(patternParts) != len(pathParts) {
		return false
	}
	for i, part := range patternParts {
		if strings.HasPrefix(part, ":") {
			continue
		}
		if part != pathParts[i] {
			return false
		}
	}
	return true
}

func extractParams(pattern, path string, params map[string]string) {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	for i, part := range patternParts {
		if strings.HasPrefix(part, ":") && i < len(pathParts) {
			params[strings.TrimPrefix(part, ":")] = pathParts[i]
		}
	}
}
