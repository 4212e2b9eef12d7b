package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ControlEnvelope is the minimal shape every inbound cmd=0 JSON body is
// first decoded into, just far enough to read the nested "code" and decide
// how to interpret the rest (spec.md §4.1: "the JSON body carries a nested
// code"). Field order does not matter for inbound decoding.
type ControlEnvelope struct {
	Code int             `json:"code"`
	Raw  json.RawMessage `json:"-"`
}

// DecodeControl strips tolerated leading NULs and decodes a cmd=0 JSON
// payload far enough to read its code. The raw bytes (post-NUL-strip) are
// kept so callers can re-decode into a code-specific struct.
func DecodeControl(payload []byte) (ControlEnvelope, error) {
	clean := StripLeadingNUL(payload)
	var env ControlEnvelope
	if err := json.Unmarshal(clean, &env); err != nil {
		return ControlEnvelope{}, fmt.Errorf("protocol: control JSON: %w", err)
	}
	env.Raw = clean
	return env, nil
}

// The outbound message shapes below are field-order-sensitive: several A9
// V720 firmwares parse JSON positionally in observed traces, so these are
// hand-ordered structs rather than maps, and MarshalJSON on a struct walks
// fields in declaration order, which is exactly the contract spec.md §4.5.1
// calls out.

// RegisterAck answers code=100 registration.
type RegisterAck struct {
	Code   int `json:"code"`
	Status int `json:"status"`
}

// NewRegisterAck builds the {"code":101,"status":200} registration reply.
func NewRegisterAck() RegisterAck {
	return RegisterAck{Code: 101, Status: 200}
}

// UDPProbeReply answers code=20 with the server's chosen ephemeral UDP port.
type UDPProbeReply struct {
	Code int    `json:"code"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func NewUDPProbeReply(serverIP string, port int) UDPProbeReply {
	return UDPProbeReply{Code: 21, IP: serverIP, Port: port}
}

// StartStreamCmd is the operator-initiated streaming request (spec.md
// §4.5.1). Key order is part of the contract.
type StartStreamCmd struct {
	Code       int    `json:"code"`
	CliTarget  string `json:"cliTarget"`
	CliToken   string `json:"cliToken"`
	CliIP      string `json:"cliIp"`
	CliPort    int    `json:"cliPort"`
	CliNatIP   string `json:"cliNatIp"`
	CliNatPort int    `json:"cliNatPort"`
}

func NewStartStreamCmd(target, token, serverIP string, udpPort int) StartStreamCmd {
	return StartStreamCmd{
		Code:       11,
		CliTarget:  target,
		CliToken:   token,
		CliIP:      "255.255.255.255",
		CliPort:    0,
		CliNatIP:   serverIP,
		CliNatPort: udpPort,
	}
}

// DeviceStatus is the first message of the streaming-start triplet.
type DeviceStatus struct {
	Code   int `json:"code"`
	Status int `json:"status"`
}

func NewDeviceStatus() DeviceStatus { return DeviceStatus{Code: 53, Status: 1} }

// Forwarded wraps a nested content object behind code=301, target, the
// shape used for the retransmission-request forwarder, device-info
// request/response, and stream start/stop.
type Forwarded struct {
	Code    int         `json:"code"`
	Target  string      `json:"target"`
	Content interface{} `json:"content"`
}

func NewForwarded(target string, content interface{}) Forwarded {
	return Forwarded{Code: 301, Target: target, Content: content}
}

// RetransmitRequestContent is {"code":298} (second message of the triplet).
type RetransmitRequestContent struct {
	Code int `json:"code"`
}

// DeviceInfoRequestContent is {"unitTimer":<unix-seconds>,"code":4}
// (third message of the triplet). Field order matches the spec.
type DeviceInfoRequestContent struct {
	UnitTimer int64 `json:"unitTimer"`
	Code      int   `json:"code"`
}

// StreamControlContent is {"code":3} (stream-start) or {"code":0}
// (stream-stop), sent in reply to the camera's echo of the triplet.
type StreamControlContent struct {
	Code int `json:"code"`
}

// ProbeAck is the {"code":50} reply sent during the 50/51 probe loop.
type ProbeAck struct {
	Code int `json:"code"`
}

func NewProbeAck() ProbeAck { return ProbeAck{Code: 50} }

// MarshalControlFrame serializes v as JSON and wraps it in a fresh 20-byte
// cmd=0 header with the given pkgID and the server's all-zero forward id.
func MarshalControlFrame(v interface{}, pkgID uint32) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal control frame: %w", err)
	}
	h := Header{Cmd: CmdControl, MsgFlag: 255, ForwardID: ForwardIDZero, PkgID: pkgID}
	return Encode(h, body), nil
}

// EqualJSON reports whether two JSON byte strings encode the same value,
// ignoring key order and whitespace. Used by tests that assert on wire
// bytes where only the *parsed* value matters.
func EqualJSON(a, b []byte) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	ea, _ := json.Marshal(va)
	eb, _ := json.Marshal(vb)
	return bytes.Equal(ea, eb)
}
