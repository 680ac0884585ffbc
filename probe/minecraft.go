package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// queryMinecraft issues a legacy server list ping (0xFE 0x01). Every
// Minecraft server since beta answers it, and the reply already carries
// the player counts, so the full handshake protocol is not needed here.
func (c *Client) queryMinecraft(ctx context.Context, host string, port int) (*Result, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), c.Timeout)
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

	if _, err := conn.Write([]byte{0xFE, 0x01}); err != nil {
		return nil, err
	}

	header := make([]byte, 3)
	if _, err := readFull(conn, header); err != nil {
		return nil, err
	}
	if header[0] != 0xFF {
		return nil, fmt.Errorf("unexpected minecraft ping response 0x%02x", header[0])
	}
	strlen := int(binary.BigEndian.Uint16(header[1:3]))
	raw := make([]byte, strlen*2)
	if _, err := readFull(conn, raw); err != nil {
		return nil, err
	}

	codepoints := make([]uint16, strlen)
	for i := 0; i < strlen; i++ {
		codepoints[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
	}
	body := string(utf16.Decode(codepoints))

	// post-1.4 format: §1\0protocol\0version\0motd\0current\0max
	fields := strings.Split(body, "\x00")
	if len(fields) >= 6 && strings.HasPrefix(fields[0], "§1") {
		current, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("malformed player count %q", fields[4])
		}
		max, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, fmt.Errorf("malformed max player count %q", fields[5])
		}
		return &Result{
			PlayerCount: current,
			MaxPlayers:  max,
			Name:        fields[3],
			Raw: map[string]string{
				"version": fields[2],
			},
		}, nil
	}

	// beta format: motd§current§max
	fields = strings.Split(body, "§")
	if len(fields) >= 3 {
		current, err := strconv.Atoi(fields[len(fields)-2])
		if err != nil {
			return nil, fmt.Errorf("malformed player count %q", fields[len(fields)-2])
		}
		max, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return nil, fmt.Errorf("malformed max player count %q", fields[len(fields)-1])
		}
		return &Result{
			PlayerCount: current,
			MaxPlayers:  max,
			Name:        strings.Join(fields[:len(fields)-2], "§"),
		}, nil
	}

	return nil, fmt.Errorf("unrecognized minecraft ping body")
}

func readFull(conn net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := conn.Read(b[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
