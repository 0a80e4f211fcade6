package bridge

import "encoding/json"

// Method names accepted by the daemon.
const (
	MethodScanBluetooth          = "scanBluetooth"
	MethodConnectBluetooth       = "connectBluetooth"
	MethodDisconnectBluetooth    = "disconnectBluetooth"
	MethodIsBluetoothConnected   = "isBluetoothConnected"
	MethodWriteBluetooth         = "writeBluetooth"
	MethodListConnectedBluetooth = "listConnectedBluetooth"
	MethodDisconnectAllBluetooth = "disconnectAllBluetooth"
	MethodConnectTCP             = "connectTcp"
	MethodWriteTCP               = "writeTcp"
	MethodDisconnectTCP          = "disconnectTcp"
	MethodIsTCPConnected         = "isTcpConnected"
	MethodListConnectedTCP       = "listConnectedTcp"
	MethodDisconnectAllTCP       = "disconnectAllTcp"
	MethodCapabilities           = "capabilities"
	MethodListen                 = "listen"
)

// Error codes carried in Response.Error.
const (
	CodeMissingArgument = "MISSING_ARGUMENT"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotImplemented  = "NOT_IMPLEMENTED"
	CodeUnsupported     = "UNSUPPORTED"
	CodeBusy            = "BUSY"
)

// Reasons attached to a false result.
const (
	ReasonConnectFailed    = "connect_failed"
	ReasonWriteFailed      = "write_failed"
	ReasonNotConnected     = "not_connected"
	ReasonUnsupported      = "unsupported"
	ReasonAlreadyConnected = "already_connected"
	ReasonClosed           = "closed"
	ReasonScanFailed       = "scan_failed"
)

// Request is sent from a client to the daemon.
type Request struct {
	Method string                     `json:"method"`
	Args   map[string]json.RawMessage `json:"args,omitempty"`
}

// Response is sent from the daemon back to the client.
type Response struct {
	Result any    `json:"result"`
	Reason string `json:"reason,omitempty"` // why Result is false
	Error  *Error `json:"error,omitempty"`  // request rejected before any I/O
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Capabilities describes what this daemon instance can do.
type Capabilities struct {
	Bluetooth bool `json:"bluetooth"`
	TCP       bool `json:"tcp"`
	Events    bool `json:"events"`
}
