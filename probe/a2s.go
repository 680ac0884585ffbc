package probe

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// A2S_INFO request and response identifiers
const (
	a2sInfoRequest   = 0x54
	a2sInfoResponse  = 0x49
	a2sChallenge     = 0x41
	a2sMaxPacketSize = 1400
)

var a2sInfoPayload = append(
	[]byte{0xFF, 0xFF, 0xFF, 0xFF, a2sInfoRequest},
	append([]byte("Source Engine Query"), 0x00)...,
)

// queryA2S issues an A2S_INFO query, handling the challenge round-trip
// newer Source servers require before answering.
func (c *Client) queryA2S(ctx context.Context, host string, port int) (*Result, error) {
	conn, err := net.DialTimeout("udp", net.JoinHostPort(host, strconv.Itoa(port)), c.Timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	payload := a2sInfoPayload
	buf := make([]byte, a2sMaxPacketSize)
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := conn.Write(payload); err != nil {
			return nil, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n < 5 || !bytes.Equal(buf[:4], []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
			return nil, fmt.Errorf("malformed a2s response")
		}
		switch buf[4] {
		case a2sChallenge:
			if n < 9 {
				return nil, fmt.Errorf("malformed a2s challenge")
			}
			payload = append(append([]byte{}, a2sInfoPayload...), buf[5:9]...)
			continue
		case a2sInfoResponse:
			return parseA2SInfo(buf[5:n])
		default:
			return nil, fmt.Errorf("unexpected a2s response header 0x%02x", buf[4])
		}
	}
	return nil, fmt.Errorf("a2s challenge loop did not converge")
}

func parseA2SInfo(b []byte) (*Result, error) {
	r := bytes.NewBuffer(b)
	if _, err := r.ReadByte(); err != nil { // protocol version
		return nil, err
	}
	name, err := readCString(r)
	if err != nil {
		return nil, err
	}
	mapName, err := readCString(r)
	if err != nil {
		return nil, err
	}
	folder, err := readCString(r)
	if err != nil {
		return nil, err
	}
	gameName, err := readCString(r)
	if err != nil {
		return nil, err
	}
	if r.Len() < 2 {
		return nil, fmt.Errorf("truncated a2s info")
	}
	r.Next(2) // app id
	players, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	maxPlayers, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return &Result{
		PlayerCount: int(players),
		MaxPlayers:  int(maxPlayers),
		Name:        name,
		Raw: map[string]string{
			"map":    mapName,
			"folder": folder,
			"game":   gameName,
		},
	}, nil
}

func readCString(r *bytes.Buffer) (string, error) {
	s, err := r.ReadString(0x00)
	if err != nil {
		return "", fmt.Errorf("unterminated string in a2s info")
	}
	return s[:len(s)-1], nil
}
