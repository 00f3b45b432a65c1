package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"guestscope/service"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	addr    string
	conn    *grpc.ClientConn
	timeout time.Duration
}

func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, err
	}
	c := &Client{addr: addr, conn: conn, timeout: defaultTimeout}
	if !c.IsGuestscopeServer() {
		conn.Close()
		return nil, fmt.Errorf("%s is not a guestscope server", addr)
	}
	return c, nil
}

func (c *Client) invoke(method string, req, reply any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	err := c.conn.Invoke(ctx, fullMethod(method), req, reply)
	if st, ok := status.FromError(err); ok && err != nil {
		return errors.New(st.Message())
	}
	return err
}

func (c *Client) SendExpr(cmd service.CmdType, args string) (string, error) {
	var reply ExprReply
	req := &ExprRequest{ID: uuid.NewString(), Cmd: int(cmd), Args: args}
	if err := c.invoke("Exec", req, &reply); err != nil {
		return "", err
	}
	return reply.Output, nil
}

func (c *Client) Complete(prefix string) ([]string, error) {
	var reply CompleteReply
	if err := c.invoke("Complete", &CompleteRequest{Prefix: prefix}, &reply); err != nil {
		return nil, err
	}
	return reply.Names, nil
}

func (c *Client) IsGuestscopeServer() bool {
	var reply PingReply
	return c.invoke("Ping", &PingRequest{}, &reply) == nil && reply.Version != ""
}

func (c *Client) Close() error { return c.conn.Close() }
