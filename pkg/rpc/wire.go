package rpc

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// RPC method names on the controller channel.
const (
	MethodProbe       = "probe"
	MethodPrepare     = "prepare"
	MethodStart       = "start"
	MethodStop        = "stop"
	MethodPollReport  = "poll_report"
	MethodFinalReport = "final_report"
)

// Request is one call on the controller channel, serialized as a JSON text
// message. Exactly one of the method-specific fields is populated,
// according to Method.
type Request struct {
	// ID correlates the response with this request.
	ID     string
	Method string

	// Prepare is set for prepare calls.
	Prepare *PrepareRequest `json:",omitempty"`

	// Handle names the target endpoint for start/stop/poll/final calls.
	Handle string `json:",omitempty"`

	// StartTime is set for start calls.
	StartTime time.Time `json:",omitempty"`
}

// Response answers one Request. A non-empty Error means the daemon could
// not honor the call; the other fields are then empty.
type Response struct {
	ID    string
	Error string `json:",omitempty"`

	Probe   *ProbeResult          `json:",omitempty"`
	Prepare *PrepareResult        `json:",omitempty"`
	Report  *model.IntervalReport `json:",omitempty"`
	Final   *model.FinalReport    `json:",omitempty"`

	// Finished is set on poll_report responses once the endpoint has
	// completed and its final report is available.
	Finished bool `json:",omitempty"`
}

// Upgrade upgrades an HTTP request to a controller channel WebSocket. It
// verifies the flowbench subprotocol and echoes it on the response.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return u.Upgrade(w, r, h)
}
