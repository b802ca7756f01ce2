package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Client speaks the framed request/response protocol from the baker side.
// It drives one connection; requests on it are strictly serialized, which
// matches the server's per-connection contract.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to a signer. A zero timeout disables deadlines.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if timeout > 0 {
		conn, err = net.DialTimeout("tcp", addr, timeout)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: dial %s: %w", addr, err)
	}
	return NewClient(conn, timeout), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	return &Client{conn: conn, timeout: timeout}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Do sends one request and reads its response. The response kind is
// checked against the request; an ErrorResponse passes through for the
// caller to inspect.
func (c *Client) Do(req Request) (Response, error) {
	body, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(body)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("protocol: write frame: %w", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return nil, fmt.Errorf("protocol: write frame: %w", err)
	}

	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("protocol: read frame: %w", err)
	}
	respBody := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(c.conn, respBody); err != nil {
		return nil, fmt.Errorf("protocol: read frame: %w", err)
	}
	return DecodeResponse(respBody, req)
}
