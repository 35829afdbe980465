// Package client is a gRPC client for the codever instrumentation service.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	apiv1 "github.com/chazu/codever/api/v1"
)

func init() {
	encoding.RegisterCodec(apiv1.Codec{})
}

// ErrNotAttached is returned by calls that need a session before Attach.
var ErrNotAttached = errors.New("client: not attached")

// Client talks to one instrumentation server over gRPC.
type Client struct {
	target    string
	conn      *grpc.ClientConn
	sessionID string
}

// Dial connects to target ("host:port"). The connection is plaintext
// HTTP/2 and every call uses the CBOR codec.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(apiv1.CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", target, err)
	}
	return &Client{target: target, conn: conn}, nil
}

// Close detaches if attached and closes the connection.
func (c *Client) Close() error {
	if c.sessionID != "" {
		_ = c.Detach(context.Background())
	}
	return c.conn.Close()
}

// SessionID returns the current session, or "".
func (c *Client) SessionID() string { return c.sessionID }

// Attach opens a session.
func (c *Client) Attach(ctx context.Context, name string) error {
	var resp apiv1.AttachResponse
	if err := c.conn.Invoke(ctx, apiv1.AttachProcedure, &apiv1.AttachRequest{ClientName: name}, &resp); err != nil {
		return err
	}
	c.sessionID = resp.SessionID
	return nil
}

// Detach closes the session.
func (c *Client) Detach(ctx context.Context) error {
	if c.sessionID == "" {
		return ErrNotAttached
	}
	var resp apiv1.DetachResponse
	if err := c.conn.Invoke(ctx, apiv1.DetachProcedure, &apiv1.DetachRequest{SessionID: c.sessionID}, &resp); err != nil {
		return err
	}
	c.sessionID = ""
	return nil
}

// ReJITOptions qualifies RequestReJIT.
type ReJITOptions struct {
	Inliners   []apiv1.MethodKey
	Bodies     []apiv1.MethodBody
	Deoptimize bool
}

// RequestReJIT asks for new IL versions of methods.
func (c *Client) RequestReJIT(ctx context.Context, methods []apiv1.MethodKey, opts ReJITOptions) (*apiv1.RequestResponse, error) {
	if c.sessionID == "" {
		return nil, ErrNotAttached
	}
	req := &apiv1.RequestReJITRequest{
		SessionID:  c.sessionID,
		Methods:    methods,
		Inliners:   opts.Inliners,
		Bodies:     opts.Bodies,
		Deoptimize: opts.Deoptimize,
	}
	var resp apiv1.RequestResponse
	if err := c.conn.Invoke(ctx, apiv1.RequestReJITProcedure, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestRevert makes the original IL of methods active again.
func (c *Client) RequestRevert(ctx context.Context, methods []apiv1.MethodKey) (*apiv1.RequestResponse, error) {
	if c.sessionID == "" {
		return nil, ErrNotAttached
	}
	var resp apiv1.RequestResponse
	req := &apiv1.RequestRevertRequest{SessionID: c.sessionID, Methods: methods}
	if err := c.conn.Invoke(ctx, apiv1.RequestRevertProcedure, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListVersions returns the versions of one method.
func (c *Client) ListVersions(ctx context.Context, method apiv1.MethodKey) (*apiv1.ListVersionsResponse, error) {
	var resp apiv1.ListVersionsResponse
	if err := c.conn.Invoke(ctx, apiv1.ListVersionsProcedure, &apiv1.ListVersionsRequest{Method: method}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot returns the server's full version state.
func (c *Client) Snapshot(ctx context.Context) (*apiv1.SnapshotResponse, error) {
	var resp apiv1.SnapshotResponse
	if err := c.conn.Invoke(ctx, apiv1.SnapshotProcedure, &apiv1.SnapshotRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WatchEvents streams version events from the server to fn until ctx is
// done or the connection fails. It returns nil when ctx ends the stream.
func (c *Client) WatchEvents(ctx context.Context, fn func(apiv1.Event)) error {
	u := url.URL{Scheme: "ws", Host: c.target, Path: apiv1.EventsPath}
	if strings.Contains(c.target, "://") {
		parsed, err := url.Parse(c.target)
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		u.Host = parsed.Host
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("client: events: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	codec := apiv1.Codec{}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: events: %w", err)
		}
		var e apiv1.Event
		if err := codec.Unmarshal(data, &e); err != nil {
			return err
		}
		fn(e)
	}
}
