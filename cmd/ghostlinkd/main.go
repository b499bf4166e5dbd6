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

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/ghostlink/ghostlinkd/internal/control"
	"github.com/ghostlink/ghostlinkd/internal/session"
	"github.com/ghostlink/ghostlinkd/std"
	"github.com/ghostlink/ghostlinkd/web"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

// exit codes per §6.
const (
	exitOK         = 0
	exitConfigErr  = 2
	exitBindErr    = 3
)

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "ghostlinkd"
	app.Usage = "serverless peer-to-peer encrypted chat node"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "stun-servers",
			Value:  "stun.l.google.com:19302",
			Usage:  "comma-separated STUN server list",
			EnvVar: "GHOSTLINK_STUN_SERVERS",
		},
		cli.IntFlag{
			Name:   "http-port",
			Value:  8080,
			Usage:  "local control-surface HTTP port",
			EnvVar: "GHOSTLINK_HTTP_PORT",
		},
		cli.IntFlag{
			Name:   "udp-port",
			Value:  0,
			Usage:  "UDP port to bind (0 = ephemeral)",
			EnvVar: "GHOSTLINK_UDP_PORT",
		},
		cli.IntFlag{
			Name:   "punch-timeout",
			Value:  30,
			Usage:  "hole-punch timeout in seconds",
			EnvVar: "GHOSTLINK_PUNCH_TIMEOUT_SECS",
		},
		cli.StringFlag{
			Name:   "cipher",
			Value:  "chacha20",
			Usage:  "chacha20 or aes256",
			EnvVar: "GHOSTLINK_CIPHER",
		},
		cli.StringFlag{
			Name:  "alias",
			Value: "",
			Usage: "local human-readable alias sent to the peer once connected",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable snappy compression on the secure channel",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "collect transport counters to a CSV file, aware of time.Format in the path",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "snmplog collection period, in seconds",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(exitConfigErr)
	}
}

func run(c *cli.Context) error {
	cfg := Config{
		STUNServers:  c.String("stun-servers"),
		HTTPPort:     c.Int("http-port"),
		UDPPort:      c.Int("udp-port"),
		PunchTimeout: c.Int("punch-timeout"),
		Cipher:       c.String("cipher"),
		Alias:        c.String("alias"),
		NoComp:       c.Bool("nocomp"),
		SnmpLog:      c.String("snmplog"),
		SnmpPeriod:   c.Int("snmpperiod"),
	}

	if cfg.Cipher != "chacha20" && cfg.Cipher != "aes256" {
		color.Red("ConfigError: cipher must be chacha20 or aes256, got %q", cfg.Cipher)
		os.Exit(exitConfigErr)
	}
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		color.Red("ConfigError: invalid http-port %d", cfg.HTTPPort)
		os.Exit(exitConfigErr)
	}
	if len(cfg.stunServerList()) == 0 {
		color.Red("ConfigError: no STUN servers configured")
		os.Exit(exitConfigErr)
	}

	log.Println("version:", VERSION)
	log.Println("stun-servers:", cfg.STUNServers)
	log.Println("http-port:", cfg.HTTPPort)
	log.Println("udp-port:", cfg.UDPPort)
	log.Println("punch-timeout:", cfg.PunchTimeout)
	log.Println("cipher:", cfg.Cipher)
	log.Println("compression:", !cfg.NoComp)

	udpAddr := &net.UDPAddr{Port: cfg.UDPPort}
	pc, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		color.Red("BindError: cannot bind UDP socket: %v", err)
		os.Exit(exitBindErr)
	}
	defer pc.Close()
	log.Println("bound UDP socket on", pc.LocalAddr())

	engineCfg := session.Config{
		STUNServers:  cfg.stunServerList(),
		PunchTimeout: time.Duration(cfg.PunchTimeout) * time.Second,
		Cipher:       cfg.Cipher,
		Alias:        cfg.Alias,
		Compress:     !cfg.NoComp,
	}
	engine := session.New(engineCfg, pc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	if cfg.SnmpLog != "" {
		go std.SnmpLogger(cfg.SnmpLog, cfg.SnmpPeriod, statAdapter{engine})
	}

	srv := control.New(engine, web.FileSystem())
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: srv}

	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		color.Red("BindError: cannot bind HTTP port %d: %v", cfg.HTTPPort, err)
		os.Exit(exitBindErr)
	}

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("%+v\n", err)
		}
	}()
	log.Println("control surface listening on", httpAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	cancel()
	return nil
}

// statAdapter exposes the active session's transport.Stats as a
// std.StatSource, re-queried on every tick so the CSV always reflects
// whichever connection (if any) is live at sample time.
type statAdapter struct {
	engine *session.Engine
}

func (a statAdapter) Header() []string  { return a.engine.Stats().Header() }
func (a statAdapter) ToSlice() []string { return a.engine.Stats().ToSlice() }
