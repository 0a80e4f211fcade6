package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/mil-ad/posbridge/internal/bluez"
	"github.com/mil-ad/posbridge/internal/bridge"
	"github.com/mil-ad/posbridge/internal/registry"
	"github.com/mil-ad/posbridge/internal/relay"
	"github.com/mil-ad/posbridge/internal/transport"
)

// eventWriteTimeout bounds how long a stalled listener can hold up the relay.
const eventWriteTimeout = 5 * time.Second

type daemon struct {
	ctx    context.Context
	bridge *bridge.Bridge
	log    logrus.FieldLogger
	wg     sync.WaitGroup
}

func (d *daemon) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()
	// Shutdown unblocks a client that never sends its request.
	stop := context.AfterFunc(d.ctx, func() { conn.Close() })
	defer stop()

	var req bridge.Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := bridge.Response{Error: &bridge.Error{Code: bridge.CodeInvalidArgument, Message: "invalid request: " + err.Error()}}
		json.NewEncoder(conn).Encode(resp)
		return
	}
	if req.Method == bridge.MethodListen {
		d.serveEvents(conn)
		return
	}

	resp := d.bridge.Handle(d.ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.log.WithError(err).WithField("method", req.Method).Debug("client went away before response")
	}
}

// serveEvents keeps conn open as the event stream until the client hangs up
// or the daemon stops. The first line is the usual response.
func (d *daemon) serveEvents(conn net.Conn) {
	var mu sync.Mutex
	enc := json.NewEncoder(conn)
	sink := func(ev relay.Event) {
		mu.Lock()
		defer mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := enc.Encode(ev); err != nil {
			d.log.WithError(err).Warn("event listener stalled, dropping it")
			conn.Close()
		}
	}

	// Hold mu so no event can overtake the acknowledgement.
	mu.Lock()
	if e := d.bridge.Listen(sink); e != nil {
		enc.Encode(bridge.Response{Error: e})
		mu.Unlock()
		return
	}
	enc.Encode(bridge.Response{Result: true})
	mu.Unlock()
	defer d.bridge.Unlisten()

	hangup := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(hangup)
	}()
	select {
	case <-hangup:
	case <-d.ctx.Done():
	}
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}

func daemonConfig(argv []string) (Config, error) {
	fs := pflag.NewFlagSet("daemon", pflag.ContinueOnError)
	path := fs.String("config", configPath(), "config file")
	socket := fs.String("socket", "", "unix socket to listen on")
	adapter := fs.String("adapter", "", "bluetooth adapter, e.g. hci0")
	policy := fs.String("policy", "", "connect policy: replace, reuse or reject")
	level := fs.String("log-level", "", "log level")
	mode := fs.String("rfcomm-mode", "", "how to open SPP sockets: profile or channel")
	channel := fs.Uint8("rfcomm-channel", 0, "RFCOMM channel for --rfcomm-mode=channel")
	timeout := fs.Duration("tcp-timeout", 0, "TCP connect timeout")
	if err := fs.Parse(argv); err != nil {
		return Config{}, err
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		return cfg, err
	}
	if fs.Changed("socket") {
		cfg.Socket = *socket
	}
	if fs.Changed("adapter") {
		cfg.Adapter = *adapter
	}
	if fs.Changed("policy") {
		cfg.ConnectPolicy = *policy
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *level
	}
	if fs.Changed("rfcomm-mode") {
		cfg.RFCOMMMode = *mode
	}
	if fs.Changed("rfcomm-channel") {
		cfg.RFCOMMChannel = *channel
	}
	if fs.Changed("tcp-timeout") {
		cfg.TCPTimeout = Duration(*timeout)
	}
	return cfg, cfg.validate()
}

func runDaemon(argv []string) error {
	cfg, err := daemonConfig(argv)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bz, err := bluez.New(cfg.Adapter, log)
	if err != nil {
		log.WithError(err).Warn("bluetooth unavailable")
	} else {
		defer bz.Close()
	}

	policy, _ := registry.ParsePolicy(cfg.ConnectPolicy)
	opts := []registry.Option{
		registry.WithLogger(log),
		registry.WithPolicy(policy),
		registry.WithTransport(transport.NewTCP(time.Duration(cfg.TCPTimeout), time.Duration(cfg.TCPWriteTimeout))),
	}
	rfcomm, err := transport.NewRFCOMM(bz, transport.RFCOMMOptions{
		Mode:         transport.RFCOMMMode(cfg.RFCOMMMode),
		Channel:      cfg.RFCOMMChannel,
		WriteTimeout: time.Duration(cfg.RFCOMMWriteTimeout),
	}, log)
	if err != nil {
		log.WithError(err).Warn("bluetooth transport disabled, running TCP only")
	} else {
		opts = append(opts, registry.WithTransport(rfcomm))
	}
	reg := registry.New(opts...)

	var (
		src     relay.Source
		adapter bridge.Adapter
	)
	if bz != nil {
		src, adapter = bz, bz
	}
	rel := relay.New(src, log)
	br := bridge.New(reg, rel, adapter, log)
	br.DefaultPort = cfg.DefaultTCPPort

	os.Remove(cfg.Socket) // remove stale socket
	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Socket, err)
	}
	os.Chmod(cfg.Socket, 0700)
	defer os.Remove(cfg.Socket)

	d := &daemon{ctx: ctx, bridge: br, log: log}

	// Graceful shutdown.
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		ln.Close()
	}()

	log.WithFields(logrus.Fields{
		"socket":     cfg.Socket,
		"transports": reg.Transports(),
		"policy":     policy,
	}).Info("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown goroutine.
			break
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}

	stop()
	d.wg.Wait()
	rel.Stop()
	reg.Close()
	return nil
}
