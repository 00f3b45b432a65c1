package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"guestscope/service"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	addr   string
	url    string
	client *http.Client
}

func NewClient(addr string) (*Client, error) {
	c := &Client{
		addr:   addr,
		url:    fmt.Sprintf("http://%s", addr),
		client: &http.Client{Timeout: defaultTimeout},
	}

	if !c.IsGuestscopeServer() {
		return nil, fmt.Errorf("%s is not a guestscope server", c.addr)
	}
	return c, nil
}

func (c *Client) SendExpr(cmdType service.CmdType, args string) (string, error) {
	resp, err := c.do(&doRequest{
		method: cmdMethod(cmdType),
		path:   cmdPath(cmdType),
		expr:   fmt.Sprintf("%s %s", cmdType, args),
	})
	if err != nil {
		return "", err
	}
	if resp.Status != http.StatusOK {
		return "", fmt.Errorf("%s", resp.Msg)
	}

	respStr, ok := resp.Data.(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type %T", resp.Data)
	}

	return respStr, nil
}

func (c *Client) Complete(prefix string) ([]string, error) {
	resp, err := c.do(&doRequest{
		method: http.MethodGet,
		path:   completePath,
		expr:   "complete " + prefix,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("%s", resp.Msg)
	}
	items, _ := resp.Data.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Client) IsGuestscopeServer() bool {
	if c.addr == "" {
		return false
	}

	resp, err := c.do(&doRequest{
		method: http.MethodGet,
		path:   probePath,
	})
	if err != nil {
		return false
	}

	return resp.Status == http.StatusOK
}

type doRequest struct {
	method string
	path   string
	header http.Header
	expr   string
}

func (c *Client) jsonHeader() http.Header {
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	return header
}

func (c *Client) do(req *doRequest) (resp *response, err error) {
	url := c.url + req.path

	exr := newExpression(req.expr, os.Getpid())
	bs, err := json.Marshal(exr)
	if err != nil {
		return
	}

	r, err := http.NewRequest(req.method, url, bytes.NewReader(bs))
	if err != nil {
		return
	}

	if req.header == nil {
		r.Header = c.jsonHeader()
	} else {
		r.Header = req.header
	}

	res, err := c.client.Do(r)
	if err != nil {
		return
	}
	defer res.Body.Close()

	bs, err = io.ReadAll(res.Body)
	if err != nil {
		return
	}

	err = json.Unmarshal(bs, &resp)
	if err == nil && resp == nil {
		err = fmt.Errorf("empty response from %s", url)
	}
	return
}
