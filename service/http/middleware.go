package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"guestscope/utils"
)

type Handler func(ctx *Context)

type HandlerChain []Handler

func httpHandlerChain(do Handler) HandlerChain {
	return []Handler{
		parseRequest,
		printRequest,
		parseExpression,
		do,
	}
}

func (h HandlerChain) exec(ctx *Context) {
	defer printResponse(ctx)
	for _, handler := range h {
		handler(ctx)
		if ctx.responded() {
			return
		}
	}
}

func parseRequest(ctx *Context) {
	if ctx.read != nil {
		r := &request{
			requestID: uuid.New().String(),
			url:       utils.GetFullURL(ctx.read),
			path:      ctx.read.URL.Path,
			method:    ctx.read.Method,
			clientIP:  utils.GetClientIP(ctx.read),
		}

		bs, err := io.ReadAll(ctx.read.Body)
		if err != nil {
			ctx.respFailed(http.StatusBadRequest, err.Error())
			return
		}
		r.body = bs

		ctx.request = r
	}
}

func parseExpression(ctx *Context) {
	req := ctx.request
	if req == nil {
		return
	}
	exr := new(Expression)
	if len(req.body) > 0 {
		if err := json.Unmarshal(req.body, exr); err != nil {
			ctx.respFailed(http.StatusBadRequest, err.Error())
			return
		}
	}
	ctx.expr = exr
}

func printRequest(ctx *Context) {
	logger := ctx.logger
	req := ctx.request
	if logger != nil && req != nil {
		logger.Debugf("request %s: %s %s from %s", req.requestID, req.method, req.url, req.clientIP)
		logger.Debugf("request %s body: %s", req.requestID, req.body)
	}
}

func printResponse(ctx *Context) {
	logger := ctx.logger
	res := ctx.response
	if logger == nil || res == nil {
		return
	}
	id := ""
	if ctx.request != nil {
		id = ctx.request.requestID
	}
	if res.Status != http.StatusOK {
		logger.Warnf("response %s: %d %s", id, res.Status, res.Msg)
		return
	}
	logger.Debugf("response %s: %d %+v", id, res.Status, res.Data)
}
