package socketio

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
)

type enginePacketType byte

const (
	engineOpen    enginePacketType = '0'
	engineClose   enginePacketType = '1'
	enginePing    enginePacketType = '2'
	enginePong    enginePacketType = '3'
	engineMessage enginePacketType = '4'
)

type socketPacketType byte

const (
	socketConnect      socketPacketType = '0'
	socketEvent        socketPacketType = '2'
	socketAck          socketPacketType = '3'
	socketConnectError socketPacketType = '4'
)

func parseOptionalNamespace(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return s, ""
	}
	return s[:comma], s[comma+1:]
}

func parseOptionalIDPrefix(s string) (id *int, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

type connectAuth struct {
	Token string `json:"token"`
}

type socketConnectPacket struct {
	Namespace string
	Auth      connectAuth
}

// parseSocketConnectPacket reads a CONNECT packet. A missing or undecodable
// auth object yields an empty token rather than an error, so the upgrade
// header can still authenticate the connection.
func parseSocketConnectPacket(payload string) (socketConnectPacket, error) {
	if payload == "" || payload[0] != byte(socketConnect) {
		return socketConnectPacket{}, errors.New("not a connect packet")
	}
	ns, rest := parseOptionalNamespace(payload[1:])
	pkt := socketConnectPacket{Namespace: ns}
	if strings.HasPrefix(rest, "{") {
		_ = json.Unmarshal([]byte(rest), &pkt.Auth)
	}
	return pkt, nil
}

type socketEventPacket struct {
	Namespace string
	ID        *int
	Event     string
	Args      []json.RawMessage
}

// Arg returns the i-th argument after the event name, or nil.
func (p socketEventPacket) Arg(i int) json.RawMessage {
	if i < 0 || i >= len(p.Args) {
		return nil
	}
	return p.Args[i]
}

func parseSocketEventPacket(payload string) (socketEventPacket, error) {
	if payload == "" {
		return socketEventPacket{}, errors.New("empty payload")
	}
	if payload[0] != byte(socketEvent) {
		return socketEventPacket{}, errors.New("not an event packet")
	}

	ns, rest := parseOptionalNamespace(payload[1:])
	id, rest := parseOptionalIDPrefix(rest)
	if !strings.HasPrefix(rest, "[") {
		return socketEventPacket{}, errors.New("invalid event payload")
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return socketEventPacket{}, errors.Wrap(err, "decode event payload")
	}
	if len(arr) == 0 {
		return socketEventPacket{}, errors.New("missing event name")
	}
	var eventName string
	if err := json.Unmarshal(arr[0], &eventName); err != nil {
		return socketEventPacket{}, errors.New("invalid event name")
	}

	return socketEventPacket{Namespace: ns, ID: id, Event: eventName, Args: arr[1:]}, nil
}

func writeNamespace(b *strings.Builder, namespace string) {
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
}

// buildEngineOpenPacket encodes the Engine.IO handshake. Durations are in
// milliseconds on the wire.
func buildEngineOpenPacket(sid string, pingInterval, pingTimeout, maxPayload int64) ([]byte, error) {
	data, err := json.Marshal(map[string]any{
		"sid":          sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval,
		"pingTimeout":  pingTimeout,
		"maxPayload":   maxPayload,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(engineOpen)}, data...), nil
}

// The build* helpers below return Engine.IO message frames, ready to write.

func buildSocketEventPacket(namespace string, event string, args ...any) ([]byte, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketEvent))
	writeNamespace(&b, namespace)
	b.Write(data)
	return []byte(b.String()), nil
}

func buildSocketConnectPacket(namespace string, sid string) ([]byte, error) {
	data, err := json.Marshal(map[string]string{"sid": sid})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketConnect))
	writeNamespace(&b, namespace)
	b.Write(data)
	return []byte(b.String()), nil
}

func buildSocketConnectErrorPacket(namespace string, message string) ([]byte, error) {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketConnectError))
	writeNamespace(&b, namespace)
	b.Write(data)
	return []byte(b.String()), nil
}

func buildSocketAckPacket(namespace string, id int, args ...any) ([]byte, error) {
	if args == nil {
		args = make([]any, 0)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketAck))
	writeNamespace(&b, namespace)
	b.WriteString(strconv.Itoa(id))
	b.Write(data)
	return []byte(b.String()), nil
}
