package gql

import (
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Subprotocol is the websocket subprotocol spoken by the stream transport.
const Subprotocol = "graphql-transport-ws"

// Message types of the graphql-transport-ws protocol.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// Close codes defined by graphql-transport-ws.
const (
	CloseInternalServerError       websocket.StatusCode = 4500
	CloseInternalClientError       websocket.StatusCode = 4005
	CloseBadRequest                websocket.StatusCode = 4400
	CloseBadResponse               websocket.StatusCode = 4004
	CloseUnauthorized              websocket.StatusCode = 4401
	CloseForbidden                 websocket.StatusCode = 4403
	CloseSubprotocolNotAcceptable  websocket.StatusCode = 4406
	CloseConnectionInitTimeout     websocket.StatusCode = 4408
	CloseConnectionAckTimeout      websocket.StatusCode = 4504
	CloseSubscriberAlreadyExists   websocket.StatusCode = 4409
	CloseTooManyInitialisationReqs websocket.StatusCode = 4429
)

// wsMessage is the envelope of every protocol message.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// connectionParams is the connection_init payload.
type connectionParams struct {
	Authorization string `json:"authorization"`
}

// closeAction is what the connection manager does after a close.
type closeAction int

const (
	// reconnect after the backoff delay.
	closeReconnect closeAction = iota
	// reconnect immediately, refreshing the credential first.
	closeRefresh
	// terminate every subscription.
	closeTerminate
)

// classifyClose maps a close status to an action. -1 (no close frame, e.g.
// a dropped TCP connection) reconnects.
func classifyClose(code websocket.StatusCode) closeAction {
	switch code {
	case CloseForbidden:
		return closeRefresh
	case CloseInternalServerError,
		CloseInternalClientError,
		CloseBadRequest,
		CloseBadResponse,
		CloseUnauthorized,
		CloseSubprotocolNotAcceptable,
		CloseSubscriberAlreadyExists,
		CloseTooManyInitialisationReqs:
		return closeTerminate
	default:
		return closeReconnect
	}
}

func encodeMessage(typ, id string, payload any) ([]byte, error) {
	msg := wsMessage{ID: id, Type: typ}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}

		msg.Payload = raw
	}

	return json.Marshal(msg)
}

func subscribePayload(op Operation) requestBody {
	return requestBody{
		Query:         op.Query,
		Variables:     op.Variables,
		OperationName: op.Name,
	}
}
