// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package control

import (
	"net"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// maxMessageBytes is the client-side size cap POST /api/message enforces
// before ever handing the text to the session, matching the secure
// channel's own plaintext ceiling.
const maxMessageBytes = 16 * 1024

// ipPortPattern recognizes a bare "a.b.c.d:port" string, the shape the
// front-end's paste handler produces when the user drops a single
// "ip:port" string into the connect field (§8 scenario 6).
var ipPortPattern = regexp.MustCompile(`^([^:]+):([0-9]{1,5})$`)

// ParsePeerAddress validates a connect request's ip/port pair.
func ParsePeerAddress(ip string, port int) (net.IP, int, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, 0, errors.Errorf("invalid IP address: %q", ip)
	}
	if port < 1 || port > 65535 {
		return nil, 0, errors.Errorf("invalid port: %d", port)
	}
	return parsed, port, nil
}

// SplitPasted accepts the front-end's single-string "ip:port" paste form
// and splits it into the two fields /api/connect actually carries.
func SplitPasted(s string) (ip string, port int, err error) {
	m := ipPortPattern.FindStringSubmatch(s)
	if m == nil {
		return "", 0, errors.Errorf("malformed address: %q", s)
	}
	port, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, err
	}
	if net.ParseIP(m[1]) == nil {
		return "", 0, errors.Errorf("invalid IP address: %q", m[1])
	}
	return m[1], port, nil
}

// ValidateMessage enforces the 16KiB application message cap client-side,
// before the session ever sees it.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return errors.New("message must not be empty")
	}
	if len(text) > maxMessageBytes {
		return errors.Errorf("message exceeds %d bytes", maxMessageBytes)
	}
	return nil
}
