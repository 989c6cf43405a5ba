package main

import (
	"context"
	"net/http"

	"github.com/gogogo1024/spgate"
)

// echoHandler stands in for a backend proxy: it answers with the request
// payload and names itself in X-Spgate-Handler.
func echoHandler(name string) func(context.Context, spgate.ExecutionRequest) (*spgate.Response, error) {
	return func(ctx context.Context, req spgate.ExecutionRequest) (*spgate.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var body []byte
		if req.Command != nil {
			body = req.Command.Payload
		}
		return &spgate.Response{
			StatusCode: http.StatusOK,
			Headers: []spgate.Header{
				{Name: "Content-Type", Value: "application/octet-stream"},
				{Name: "X-Spgate-Handler", Value: name},
				{Name: "X-Spgate-Target", Value: req.Target},
			},
			Body: body,
		}, nil
	}
}
