package ipc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sync"

	"github.com/dvelle/scanout/internal/logger"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
)

// Handler is the daemon-side implementation of the control protocol.
// HandleLeaseRequest returns the lease fd to pass to the client, or -1
// when the request is denied.
type Handler interface {
	HandleStatus() (*StatusReply, error)
	HandleOutputs() (*OutputsReply, error)
	HandleRescan() error
	HandleLeaseRequest(req *LeaseRequest) (*LeaseGrant, int, error)
	HandleLeaseRelease(rel *LeaseRelease) error
}

// SocketServer handles incoming IPC connections
type SocketServer struct {
	mu         sync.Mutex
	listener   *net.UnixListener
	socketPath string
	handler    Handler
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	running    bool
}

// NewSocketServer creates a new socket server
func NewSocketServer(handler Handler, socketPath string) (*SocketServer, error) {
	if socketPath == "" {
		var err error
		socketPath, err = DefaultSocketPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get socket path: %w", err)
		}
	}
	return &SocketServer{
		socketPath: socketPath,
		handler:    handler,
	}, nil
}

// Start starts the socket server
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to resolve socket address: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to create socket listener: %w", err)
	}

	// user only, leases are privileged handles
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptConnections(ctx)

	logger.Infof("IPC socket server started at %s", s.socketPath)
	return nil
}

// Stop stops the socket server
func (s *SocketServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()

	os.RemoveAll(s.socketPath)
	logger.Info("IPC socket server stopped")
}

func (s *SocketServer) acceptConnections(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := s.listener.AcceptUnix()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					logger.Errorf("Failed to accept connection: %v", err)
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		}
	}
}

func (s *SocketServer) handleConnection(ctx context.Context, conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()

	logger.Debug("New IPC connection established")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := ReadMessage(conn)
			if err != nil {
				logger.Debugf("Connection closed or read error: %v", err)
				return
			}

			response, leaseFd := s.handleMessage(msg)
			if err := WriteMessage(conn, response); err != nil {
				logger.Errorf("Failed to send response: %v", err)
				return
			}
			if leaseFd >= 0 {
				if err := sendFd(conn, leaseFd); err != nil {
					logger.Errorf("Failed to pass lease fd: %v", err)
				}
				// the client holds the only remaining reference now
				unix.Close(leaseFd)
			}
		}
	}
}

// handleMessage processes a single message; the second return is a
// lease fd to pass along, -1 if none.
func (s *SocketServer) handleMessage(msg *Message) (*Message, int) {
	switch msg.Type {
	case TypeStatus:
		reply, err := s.handler.HandleStatus()
		if err != nil {
			return NewErrorMessage("%v", err), -1
		}
		out, err := NewMessage(TypeStatus, reply)
		if err != nil {
			return NewErrorMessage("%v", err), -1
		}
		return out, -1

	case TypeOutputs:
		reply, err := s.handler.HandleOutputs()
		if err != nil {
			return NewErrorMessage("%v", err), -1
		}
		out, err := NewMessage(TypeOutputs, reply)
		if err != nil {
			return NewErrorMessage("%v", err), -1
		}
		return out, -1

	case TypeRescan:
		if err := s.handler.HandleRescan(); err != nil {
			return NewErrorMessage("%v", err), -1
		}
		out, _ := NewMessage(TypeOK, nil)
		return out, -1

	case TypeLeaseRequest:
		var req LeaseRequest
		if err := DecodePayload(msg, &req); err != nil {
			return NewErrorMessage("invalid lease request: %v", err), -1
		}
		grant, fd, err := s.handler.HandleLeaseRequest(&req)
		if err != nil {
			return NewErrorMessage("%v", err), -1
		}
		out, err := NewMessage(TypeLeaseGrant, grant)
		if err != nil {
			unix.Close(fd)
			return NewErrorMessage("%v", err), -1
		}
		return out, fd

	case TypeLeaseRelease:
		var rel LeaseRelease
		if err := DecodePayload(msg, &rel); err != nil {
			return NewErrorMessage("invalid lease release: %v", err), -1
		}
		if err := s.handler.HandleLeaseRelease(&rel); err != nil {
			return NewErrorMessage("%v", err), -1
		}
		out, _ := NewMessage(TypeOK, nil)
		return out, -1

	default:
		return NewErrorMessage("unknown message type: %s", msg.Type), -1
	}
}

// ReadMessage reads one length-prefixed CBOR message.
func ReadMessage(conn io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if length > 1<<20 {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, fmt.Errorf("failed to read message data: %w", err)
	}

	var msg Message
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// WriteMessage writes one length-prefixed CBOR message.
func WriteMessage(conn io.Writer, msg *Message) error {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message data: %w", err)
	}
	return nil
}

// sendFd transfers a file descriptor over the connection as ancillary
// data, attached to a single placeholder byte.
func sendFd(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	if _, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		return fmt.Errorf("failed to send fd: %w", err)
	}
	return nil
}

// recvFd receives a file descriptor sent with sendFd.
func recvFd(conn *net.UnixConn) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, fmt.Errorf("failed to receive fd: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("failed to parse control message: %w", err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, fmt.Errorf("no fd in control message")
}

// DefaultSocketPath returns the per-user control socket path.
func DefaultSocketPath() (string, error) {
	currentUser, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	}
	return filepath.Join("/tmp", fmt.Sprintf("scanout-%s.sock", currentUser.Username)), nil
}
