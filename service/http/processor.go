package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/derekparker/trie"

	e "guestscope/error"
	"guestscope/pkg/prowler"
	"guestscope/service"
	"guestscope/utils"
)

const (
	probePath    = "/guestscope"
	completePath = "/complete"
)

type Router struct {
	method string
	path   string
	fn     func(ctx *Context)
}

type processor struct {
	prowler *prowler.Prowler
	router  []*Router
	trie    *trie.Trie
}

func (p *processor) route(method, path string) func(ctx *Context) {
	node, found := p.trie.Find(utils.MD5(methodPath(method, path)))
	if found {
		fn := node.Meta().(func(ctx *Context))
		return fn
	}

	return nil
}

func (p *processor) worker(ctx *Context) {
	req := ctx.request
	fn := p.route(req.method, req.path)
	if fn == nil {
		ctx.respFailed(http.StatusNotFound, http.StatusText(http.StatusNotFound))
		return
	}

	fn(ctx)
}

func newProcessor(p *prowler.Prowler) *processor {
	proc := &processor{
		prowler: p,
	}

	register(proc)
	return proc
}

// cmdMethod is the HTTP method of each command: commands changing guest
// memory are posts.
func cmdMethod(cmd service.CmdType) string {
	switch cmd {
	case service.Set, service.Write:
		return http.MethodPost
	default:
		return http.MethodGet
	}
}

func cmdPath(cmd service.CmdType) string { return "/" + cmd.String() }

func register(p *processor) {
	r := []*Router{
		{
			method: http.MethodGet,
			path:   probePath,
			fn: func(ctx *Context) {
				ctx.respSuccess(p.prowler.Mapper().Version())
			},
		},
		{
			method: http.MethodGet,
			path:   completePath,
			fn: func(ctx *Context) {
				cmd, prefix := ctx.expr.resolve()
				if cmd != "complete" {
					ctx.respFailed(http.StatusBadRequest, fmt.Sprintf("invalid command: %s", cmd))
					return
				}
				ctx.respSuccess(p.prowler.Complete(prefix))
			},
		},
	}
	for _, cmd := range []service.CmdType{
		service.Get, service.Set, service.List, service.Dump,
		service.Read, service.Write, service.Emulate, service.Info,
	} {
		r = append(r, &Router{
			method: cmdMethod(cmd),
			path:   cmdPath(cmd),
			fn:     p.command(cmd),
		})
	}

	p.router = r

	t := trie.New()
	for _, router := range p.router {
		md5 := utils.MD5(methodPath(router.method, router.path))
		t.Add(md5, router.fn)
	}

	p.trie = t
}

func (p *processor) command(want service.CmdType) func(ctx *Context) {
	return func(ctx *Context) {
		name, args := ctx.expr.resolve()
		cmd, ok := service.ParseCmd(name)
		if !ok || cmd != want {
			ctx.respFailed(http.StatusBadRequest, fmt.Sprintf("invalid command: %s", strings.ToLower(name)))
			return
		}

		out, err := service.Exec(p.prowler, cmd, args)
		if err != nil {
			ctx.respFailed(errorStatus(err), err.Error())
			return
		}
		ctx.respSuccess(out)
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, e.ErrUnknownSymbol), errors.Is(err, e.ErrUnknownType):
		return http.StatusNotFound
	case errors.Is(err, e.ErrNotSettable):
		return http.StatusBadRequest
	case errors.Is(err, e.ErrConnectionClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func methodPath(method, path string) string {
	return fmt.Sprintf("%s:%s", method, path)
}
