// Package stream holds the upstream exchange stream consumers: the market
// data multiplexer and the private user data stream manager.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// ErrEndpointGone marks a 404-class dial failure; cached endpoint resolution
// for the exchange must be invalidated.
var ErrEndpointGone = errors.New("stream endpoint not found")

// Conn is the slice of *websocket.Conn the stream consumers use, extracted
// so tests can substitute a fake upstream.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// DialFunc opens an upstream stream connection.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial is the production DialFunc backed by gorilla/websocket.
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrEndpointGone, url)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}
