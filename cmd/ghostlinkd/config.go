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

package main

import "strings"

// Config mirrors the flags/env vars enumerated in §6 as a flat struct of
// scalars — a JSON config file was considered and dropped (see
// DESIGN.md) since a handful of scalar settings don't warrant a file
// format of their own.
type Config struct {
	STUNServers  string
	HTTPPort     int
	UDPPort      int
	PunchTimeout int
	Cipher       string
	Alias        string
	NoComp       bool
	SnmpLog      string
	SnmpPeriod   int
}

// stunServerList splits the comma-separated GHOSTLINK_STUN_SERVERS value.
func (c Config) stunServerList() []string {
	var out []string
	for _, s := range strings.Split(c.STUNServers, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
