package rpc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/netmeasure/flowbench/internal/fbmetrics"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// DefaultHandshakeTimeout is the timeout for the controller channel's
// WebSocket handshake.
const DefaultHandshakeTimeout = 5 * time.Second

// WebsocketDialer opens controller channels over WebSocket.
type WebsocketDialer struct {
	// Dialer overrides the websocket.Dialer used for new connections.
	Dialer *websocket.Dialer
}

// Dial connects to the daemon at addr (host:port) and returns a Client
// bound to that connection.
func (d *WebsocketDialer) Dial(ctx context.Context, addr string) (Client, error) {
	wsDialer := d.Dialer
	if wsDialer == nil {
		wsDialer = &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: spec.RPCPath}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	conn, _, err := wsDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, &Failure{Addr: addr, Op: "dial", Err: err}
	}
	return &wsClient{addr: addr, conn: conn}, nil
}

// wsClient is a Client over one WebSocket connection. Calls are strictly
// request/response and serialized: the controller never has more than one
// call in flight per daemon connection.
type wsClient struct {
	addr string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) call(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.ID = uuid.NewString()
	deadline := time.Now().Add(spec.RPCTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	if err := c.conn.WriteJSON(req); err != nil {
		fbmetrics.RPCFailures.WithLabelValues(req.Method).Inc()
		return nil, &Failure{Addr: c.addr, Op: req.Method, Err: err}
	}
	var resp Response
	for {
		if err := c.conn.ReadJSON(&resp); err != nil {
			fbmetrics.RPCFailures.WithLabelValues(req.Method).Inc()
			return nil, &Failure{Addr: c.addr, Op: req.Method, Err: err}
		}
		// Stale responses can remain from a call that timed out.
		if resp.ID == req.ID {
			break
		}
	}
	if resp.Error != "" {
		return nil, &Failure{Addr: c.addr, Op: req.Method, Err: fmt.Errorf("daemon: %s", resp.Error)}
	}
	return &resp, nil
}

func (c *wsClient) Probe(ctx context.Context) (ProbeResult, error) {
	resp, err := c.call(ctx, Request{Method: MethodProbe})
	if err != nil {
		return ProbeResult{}, err
	}
	if resp.Probe == nil {
		return ProbeResult{}, &Failure{Addr: c.addr, Op: MethodProbe, Err: fmt.Errorf("empty probe response")}
	}
	return *resp.Probe, nil
}

func (c *wsClient) Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	resp, err := c.call(ctx, Request{Method: MethodPrepare, Prepare: &req})
	if err != nil {
		return PrepareResult{}, err
	}
	if resp.Prepare == nil {
		return PrepareResult{}, &Failure{Addr: c.addr, Op: MethodPrepare, Err: fmt.Errorf("empty prepare response")}
	}
	return *resp.Prepare, nil
}

func (c *wsClient) Start(ctx context.Context, handle string, startTime time.Time) error {
	_, err := c.call(ctx, Request{Method: MethodStart, Handle: handle, StartTime: startTime})
	return err
}

func (c *wsClient) Stop(ctx context.Context, handle string) error {
	_, err := c.call(ctx, Request{Method: MethodStop, Handle: handle})
	return err
}

func (c *wsClient) PollReport(ctx context.Context, handle string) (*model.IntervalReport, bool, error) {
	resp, err := c.call(ctx, Request{Method: MethodPollReport, Handle: handle})
	if err != nil {
		return nil, false, err
	}
	return resp.Report, resp.Finished, nil
}

func (c *wsClient) FinalReport(ctx context.Context, handle string) (*model.FinalReport, error) {
	resp, err := c.call(ctx, Request{Method: MethodFinalReport, Handle: handle})
	if err != nil {
		return nil, err
	}
	if resp.Final == nil {
		return nil, &Failure{Addr: c.addr, Op: MethodFinalReport, Err: fmt.Errorf("empty final report")}
	}
	return resp.Final, nil
}

func (c *wsClient) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "controller done")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// Checks that wsClient implements Client.
var _ Client = &wsClient{}
