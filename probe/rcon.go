package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Source rcon packet types
const (
	rconAuth          = 3
	rconAuthResponse  = 2
	rconExecCommand   = 2
	rconResponseValue = 0
)

// Console drives a game server over the Source remote console protocol.
// It is used only during post-provisioning setup.
type Console interface {
	Send(ctx context.Context, command string) (string, error)
	Close() error
}

// ConsoleDialer establishes authenticated console sessions
type ConsoleDialer interface {
	Dial(ctx context.Context, host string, port int, password string) (Console, error)
}

// RconDialer is the default ConsoleDialer speaking Source rcon over TCP
type RconDialer struct {
	Timeout time.Duration
}

func NewRconDialer(timeout time.Duration) *RconDialer {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RconDialer{Timeout: timeout}
}

type rconConn struct {
	conn    net.Conn
	timeout time.Duration
	nextID  int32
}

func (d *RconDialer) Dial(ctx context.Context, host string, port int, password string) (Console, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), d.Timeout)
	if err != nil {
		return nil, err
	}
	c := &rconConn{
		conn:    conn,
		timeout: d.Timeout,
		nextID:  1,
	}
	if err := c.auth(ctx, password); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *rconConn) auth(ctx context.Context, password string) error {
	id := c.nextID
	c.nextID++
	if err := c.writePacket(ctx, id, rconAuth, password); err != nil {
		return err
	}
	// the server may send an empty RESPONSE_VALUE before the auth response
	for i := 0; i < 2; i++ {
		respID, respType, _, err := c.readPacket(ctx)
		if err != nil {
			return err
		}
		if respType != rconAuthResponse {
			continue
		}
		if respID == -1 {
			return fmt.Errorf("rcon authentication refused")
		}
		if respID != id {
			return fmt.Errorf("rcon authentication response id mismatch")
		}
		return nil
	}
	return fmt.Errorf("no rcon authentication response")
}

func (c *rconConn) Send(ctx context.Context, command string) (string, error) {
	id := c.nextID
	c.nextID++
	if err := c.writePacket(ctx, id, rconExecCommand, command); err != nil {
		return "", err
	}
	respID, respType, body, err := c.readPacket(ctx)
	if err != nil {
		return "", err
	}
	if respType != rconResponseValue || respID != id {
		return "", fmt.Errorf("unexpected rcon response (id=%d type=%d)", respID, respType)
	}
	return body, nil
}

func (c *rconConn) Close() error {
	return c.conn.Close()
}

func (c *rconConn) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (c *rconConn) writePacket(ctx context.Context, id, packetType int32, body string) error {
	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	_, err := c.conn.Write(encodeRconPacket(id, packetType, body))
	return err
}

func (c *rconConn) readPacket(ctx context.Context) (int32, int32, string, error) {
	if err := c.conn.SetReadDeadline(c.deadline(ctx)); err != nil {
		return 0, 0, "", err
	}
	sizeBuf := make([]byte, 4)
	if _, err := readFull(c.conn, sizeBuf); err != nil {
		return 0, 0, "", err
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf))
	if size < 10 || size > 4106 {
		return 0, 0, "", fmt.Errorf("invalid rcon packet size %d", size)
	}
	payload := make([]byte, size)
	if _, err := readFull(c.conn, payload); err != nil {
		return 0, 0, "", err
	}
	id := int32(binary.LittleEndian.Uint32(payload[0:4]))
	packetType := int32(binary.LittleEndian.Uint32(payload[4:8]))
	body := string(payload[8 : size-2])
	return id, packetType, body, nil
}

func encodeRconPacket(id, packetType int32, body string) []byte {
	size := 4 + 4 + len(body) + 2
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(packetType))
	copy(buf[12:], body)
	return buf
}
