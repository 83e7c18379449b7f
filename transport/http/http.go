// Package http is the thin transport adapter: it decodes a JSON
// body into a call list, invokes the dispatcher, and encodes the
// resulting sentence collection back into the same shape the request
// arrived in.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forbearing/ix/dispatch"
	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/result"
	"github.com/forbearing/ix/util"
)

// ContextFactory builds a request-scoped engine.Context from the incoming
// gin.Context; authentication/authorisation live entirely behind this
// factory, which the transport treats as opaque.
type ContextFactory func(c *gin.Context) (*engine.Context, error)

// Handler wires a Dispatcher and a ContextFactory into a gin.HandlerFunc
// for POST /jmap.
type Handler struct {
	Dispatcher *dispatch.Dispatcher
	NewContext ContextFactory
}

func New(d *dispatch.Dispatcher, newContext ContextFactory) *Handler {
	return &Handler{Dispatcher: d, NewContext: newContext}
}

// Serve implements POST /jmap: a bare array of call triples or
// {"methodCalls": [...]} decodes to the same shape it responds with.
func (h *Handler) Serve(c *gin.Context) {
	c.Header("Vary", "Origin")
	txnID := util.UUID()
	c.Header("Ix-Transaction-ID", txnID)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": result.CouldNotDecodeRequest})
		return
	}

	calls, wrapped, err := decodeBody(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": result.CouldNotDecodeRequest})
		return
	}

	ctx, err := h.NewContext(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": result.CouldNotDecodeRequest})
		return
	}

	items := make([]dispatch.Item, len(calls))
	for i, call := range calls {
		items[i] = call
	}

	sentences, err := h.Dispatcher.Run(ctx, items)
	if err != nil {
		guid := ctx.FileExceptionReport(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "guid": guid})
		return
	}
	triples := make([][3]any, len(sentences))
	for i, s := range sentences {
		triples[i] = [3]any{s.Name, s.Args, s.ClientID}
	}

	if wrapped {
		c.JSON(http.StatusOK, gin.H{"methodResponses": triples})
		return
	}
	c.JSON(http.StatusOK, triples)
}

func decodeBody(body []byte) (calls []dispatch.Call, wrapped bool, err error) {
	var bare []json.RawMessage
	if err := json.Unmarshal(body, &bare); err == nil {
		calls, err = decodeTriples(bare)
		return calls, false, err
	}

	var envelope struct {
		MethodCalls []json.RawMessage `json:"methodCalls"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, false, err
	}
	calls, err = decodeTriples(envelope.MethodCalls)
	return calls, true, err
}

func decodeTriples(raw []json.RawMessage) ([]dispatch.Call, error) {
	calls := make([]dispatch.Call, 0, len(raw))
	for _, r := range raw {
		var triple []json.RawMessage
		if err := json.Unmarshal(r, &triple); err != nil {
			return nil, err
		}
		if len(triple) != 3 {
			return nil, errMalformedTriple
		}
		var method, clientID string
		var args map[string]any
		if err := json.Unmarshal(triple[0], &method); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(triple[1], &args); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(triple[2], &clientID); err != nil {
			return nil, err
		}
		calls = append(calls, dispatch.Call{Method: method, Args: args, ClientID: clientID})
	}
	return calls, nil
}

var errMalformedTriple = &malformedTripleError{}

type malformedTripleError struct{}

func (*malformedTripleError) Error() string { return "call triple must have exactly 3 elements" }
