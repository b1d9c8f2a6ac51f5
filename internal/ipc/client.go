package ipc

import (
	"fmt"
	"net"
)

// Client talks to a running daemon over the control socket.
type Client struct {
	conn *net.UnixConn
}

// NewClient connects to the daemon. An empty socketPath means the
// per-user default.
func NewClient(socketPath string) (*Client, error) {
	if socketPath == "" {
		var err error
		socketPath, err = DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve socket address: %w", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s (is the daemon running?): %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// IsRunning reports whether a daemon is listening on the socket.
func IsRunning(socketPath string) bool {
	client, err := NewClient(socketPath)
	if err != nil {
		return false
	}
	client.Close()
	return true
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(msg *Message) (*Message, error) {
	if err := WriteMessage(c.conn, msg); err != nil {
		return nil, err
	}
	reply, err := ReadMessage(c.conn)
	if err != nil {
		return nil, err
	}
	if reply.Type == TypeError {
		return nil, ReplyError(reply)
	}
	return reply, nil
}

// Status queries the daemon's device state.
func (c *Client) Status() (*StatusReply, error) {
	msg, err := NewMessage(TypeStatus, nil)
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(msg)
	if err != nil {
		return nil, err
	}
	var status StatusReply
	if err := DecodePayload(reply, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Outputs lists the daemon's outputs.
func (c *Client) Outputs() (*OutputsReply, error) {
	msg, err := NewMessage(TypeOutputs, nil)
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(msg)
	if err != nil {
		return nil, err
	}
	var outputs OutputsReply
	if err := DecodePayload(reply, &outputs); err != nil {
		return nil, err
	}
	return &outputs, nil
}

// Rescan asks the daemon to reconcile outputs with the hardware.
func (c *Client) Rescan() error {
	msg, err := NewMessage(TypeRescan, nil)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(msg)
	return err
}

// RequestLease asks for an exclusive lease over the named connectors.
// On success the returned fd is the kernel lease handle, owned by the
// caller.
func (c *Client) RequestLease(connectors []string) (*LeaseGrant, int, error) {
	msg, err := NewMessage(TypeLeaseRequest, &LeaseRequest{Connectors: connectors})
	if err != nil {
		return nil, -1, err
	}
	reply, err := c.roundTrip(msg)
	if err != nil {
		return nil, -1, err
	}
	var grant LeaseGrant
	if err := DecodePayload(reply, &grant); err != nil {
		return nil, -1, err
	}
	fd, err := recvFd(c.conn)
	if err != nil {
		return nil, -1, fmt.Errorf("lease granted but fd transfer failed: %w", err)
	}
	return &grant, fd, nil
}

// ReleaseLease revokes a lease previously granted to this or another
// client.
func (c *Client) ReleaseLease(lessee uint32) error {
	msg, err := NewMessage(TypeLeaseRelease, &LeaseRelease{LesseeID: lessee})
	if err != nil {
		return err
	}
	_, err = c.roundTrip(msg)
	return err
}
