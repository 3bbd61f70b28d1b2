// Package watch follows submission notifications over the websocket endpoint.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// Frame is one notification as pushed by the server.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type frameData struct {
	SubmissionID string `json:"submissionId"`
}

// SubmissionID returns the submission a frame refers to, if any.
func (f Frame) SubmissionID() string {
	var d frameData
	_ = json.Unmarshal(f.Data, &d)
	return d.SubmissionID
}

// Finished reports whether the frame is the finished event of submissionID.
func (f Frame) Finished(submissionID string) bool {
	return f.Event == "submission:finished" && f.SubmissionID() == submissionID
}

// Follow streams frames to onFrame until it returns false, ctx ends or the connection drops.
func Follow(ctx context.Context, wsURL, token string, onFrame func(Frame) bool) error {
	u, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("websocket rejected the token")
		}
		return fmt.Errorf("dial websocket failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return fmt.Errorf("read frame failed: %w", err)
		}
		if !onFrame(frame) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
