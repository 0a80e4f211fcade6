package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mil-ad/posbridge/internal/bridge"
)

func dial(socket string) (net.Conn, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w (is `posbridge daemon` running?)", err)
	}
	return conn, nil
}

func ipcCall(socket string, req bridge.Request) (bridge.Response, error) {
	conn, err := dial(socket)
	if err != nil {
		return bridge.Response{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return bridge.Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp bridge.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return bridge.Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// command describes one client subcommand: which method it calls and which
// arguments it takes.
type command struct {
	method   string
	address  bool // positional <address>
	host     bool // positional <host>
	data     bool // --hex/--text/--file
	policy   bool
	usage    string
	isListen bool
}

var commands = map[string]command{
	"scan":               {method: bridge.MethodScanBluetooth, usage: "scan"},
	"connect-bt":         {method: bridge.MethodConnectBluetooth, address: true, policy: true, usage: "connect-bt <address> [--policy p]"},
	"disconnect-bt":      {method: bridge.MethodDisconnectBluetooth, address: true, usage: "disconnect-bt <address>"},
	"status-bt":          {method: bridge.MethodIsBluetoothConnected, address: true, usage: "status-bt <address>"},
	"write-bt":           {method: bridge.MethodWriteBluetooth, address: true, data: true, usage: "write-bt <address> (--hex h | --text t | --file f)"},
	"list-bt":            {method: bridge.MethodListConnectedBluetooth, usage: "list-bt"},
	"disconnect-all-bt":  {method: bridge.MethodDisconnectAllBluetooth, usage: "disconnect-all-bt"},
	"connect-tcp":        {method: bridge.MethodConnectTCP, host: true, policy: true, usage: "connect-tcp <host> [--port n] [--policy p]"},
	"write-tcp":          {method: bridge.MethodWriteTCP, host: true, data: true, usage: "write-tcp <host> [--port n] (--hex h | --text t | --file f)"},
	"disconnect-tcp":     {method: bridge.MethodDisconnectTCP, host: true, usage: "disconnect-tcp <host> [--port n]"},
	"status-tcp":         {method: bridge.MethodIsTCPConnected, host: true, usage: "status-tcp <host> [--port n]"},
	"list-tcp":           {method: bridge.MethodListConnectedTCP, usage: "list-tcp"},
	"disconnect-all-tcp": {method: bridge.MethodDisconnectAllTCP, usage: "disconnect-all-tcp"},
	"caps":               {method: bridge.MethodCapabilities, usage: "caps"},
	"listen":             {method: bridge.MethodListen, isListen: true, usage: "listen"},
}

// buildRequest turns a subcommand's argv into a request.
func buildRequest(cmd command, argv []string) (bridge.Request, string, error) {
	fs := pflag.NewFlagSet(cmd.method, pflag.ContinueOnError)
	socket := fs.String("socket", "", "daemon socket (default from config or $XDG_RUNTIME_DIR)")
	port := fs.Int("port", 0, "TCP port (daemon default 9100)")
	policy := fs.String("policy", "", "connect policy: replace, reuse or reject")
	hexData := fs.String("hex", "", "bytes to write, hex encoded")
	text := fs.String("text", "", "bytes to write, as text")
	file := fs.String("file", "", "file to write, - for stdin")
	if err := fs.Parse(argv); err != nil {
		return bridge.Request{}, "", err
	}

	req := bridge.Request{Method: cmd.method, Args: map[string]json.RawMessage{}}
	set := func(k string, v any) {
		raw, _ := json.Marshal(v)
		req.Args[k] = raw
	}

	pos := fs.Args()
	need := 0
	if cmd.address || cmd.host {
		need = 1
	}
	if len(pos) != need {
		return req, "", fmt.Errorf("usage: posbridge %s", cmd.usage)
	}
	switch {
	case cmd.address:
		set("address", pos[0])
	case cmd.host:
		set("host", pos[0])
		if fs.Changed("port") {
			set("port", *port)
		}
	}
	if cmd.policy && *policy != "" {
		set("policy", *policy)
	}
	if cmd.data {
		data, err := readData(*hexData, *text, *file)
		if err != nil {
			return req, "", err
		}
		set("bytes", data)
	}
	return req, resolveSocket(*socket), nil
}

func readData(hexData, text, file string) ([]byte, error) {
	switch {
	case hexData != "":
		return hex.DecodeString(strings.ReplaceAll(hexData, " ", ""))
	case text != "":
		return []byte(text), nil
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, errors.New("one of --hex, --text or --file is required")
}

// resolveSocket prefers the flag, then the config file, then the default.
func resolveSocket(flag string) string {
	if flag != "" {
		return flag
	}
	if cfg, err := loadConfig(configPath()); err == nil && cfg.Socket != "" {
		return cfg.Socket
	}
	return socketPath()
}

func runCommand(name string, argv []string) error {
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command: %s", name)
	}
	req, socket, err := buildRequest(cmd, argv)
	if err != nil {
		return err
	}
	if cmd.isListen {
		return runListen(socket, req)
	}

	resp, err := ipcCall(socket, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return json.NewEncoder(os.Stdout).Encode(resp)
}

// runListen prints events as JSON lines until interrupted.
func runListen(socket string, req bridge.Request) error {
	conn, err := dial(socket)
	if err != nil {
		return err
	}
	defer conn.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		conn.Close()
	}()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	dec := json.NewDecoder(conn)
	var resp bridge.Response
	if err := dec.Decode(&resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}

	out := json.NewEncoder(os.Stdout)
	for {
		var ev json.RawMessage
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		out.Encode(ev)
	}
}
