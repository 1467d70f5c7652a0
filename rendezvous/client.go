package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/database64128/mvtun-go/tslog"
	"github.com/gorilla/websocket"
)

// Client is a [Resolver] backed by a WebSocket connection to a rendezvous server.
type Client struct {
	logger *tslog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan Message
	err     error

	changes chan Change
	done    chan struct{}
}

var _ Resolver = (*Client)(nil)

// Dial connects to the rendezvous server at url.
func Dial(ctx context.Context, url string, logger *tslog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rendezvous server: %w", err)
	}

	c := &Client{
		logger:  logger,
		conn:    conn,
		pending: make(map[uint64]chan Message),
		changes: make(chan Change, 8),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.changes)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.fail(err)
			return
		}

		if msg.Seq == 0 {
			if msg.Type != MsgTypeChanged {
				c.logger.Debug("Ignoring unexpected rendezvous message", slog.String("type", string(msg.Type)))
				continue
			}
			select {
			case c.changes <- Change{ID: msg.ID, Addr: msg.Addr}:
			default:
				c.logger.Warn("Dropping rendezvous change notification", slog.String("id", msg.ID))
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.Seq]
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = errors.Join(ErrClosed, err)
	}
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

func (c *Client) roundTrip(ctx context.Context, msg Message) (Message, error) {
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	c.seq++
	msg.Seq = c.seq
	c.pending[msg.Seq] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return Message{}, fmt.Errorf("failed to send %s request: %w", msg.Type, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return Message{}, err
		}
		if reply.Type == MsgTypeError {
			if reply.Error == ErrNotFound.Error() {
				return Message{}, fmt.Errorf("%w: %s", ErrNotFound, msg.ID)
			}
			return Message{}, fmt.Errorf("rendezvous server: %s", reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// Register implements [Resolver.Register].
func (c *Client) Register(ctx context.Context, id string, addr netip.AddrPort) error {
	_, err := c.roundTrip(ctx, Message{Type: MsgTypeRegister, ID: id, Addr: addr})
	return err
}

// Resolve implements [Resolver.Resolve].
func (c *Client) Resolve(ctx context.Context, id string) (netip.AddrPort, error) {
	reply, err := c.roundTrip(ctx, Message{Type: MsgTypeResolve, ID: id})
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !reply.Addr.IsValid() {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return reply.Addr, nil
}

// Changes implements [Resolver.Changes].
func (c *Client) Changes() <-chan Change {
	return c.changes
}

// Close implements [Resolver.Close].
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
