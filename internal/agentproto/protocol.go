// Package agentproto implements the bit-exact wire protocol between the
// manager and the per-host agent (spec §4.1, §6.3): a little-endian
// 4-byte length prefix, a 1-byte message type, and a payload of
// NUL-terminated tokens (plus an optional trailing binary blob for
// config-file writers). Byte-exactness is preserved deliberately for
// interop with an agent binary that is not part of this repository.
package agentproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MsgType is the one-byte frame type.
type MsgType byte

const (
	MsgCommand MsgType = 0x01 // client -> agent
	MsgIdle    MsgType = 0x10 // agent -> client: end of reply
	MsgError   MsgType = 0x11 // agent -> client: command failed
	MsgNotice  MsgType = 0x12 // agent -> client: informational log line
	MsgResult  MsgType = 0x13 // agent -> client: command-specific success data
)

func (t MsgType) String() string {
	switch t {
	case MsgCommand:
		return "COMMAND"
	case MsgIdle:
		return "IDLE"
	case MsgError:
		return "ERROR"
	case MsgNotice:
		return "NOTICE"
	case MsgResult:
		return "RESULT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// Command is the one-byte command code carried in a COMMAND payload
// (spec §4.1 minimum command set).
type Command byte

const (
	CmdNodeInitCoordinator Command = iota + 1
	CmdNodeInitDatanode
	CmdNodeInitGTM
	CmdNodeStart
	CmdNodeStop
	CmdNodeRestart
	CmdNodeReload
	CmdNodePromote
	CmdNodeCleanDir
	CmdConfRefreshPostgres
	CmdConfRefreshPostgresReload
	CmdConfRefreshHBA
	CmdConfDeleteHBALine
	CmdConfRefreshRecovery
	CmdBasebackup
	CmdDumpall
	CmdPsqlExec
	CmdCheckDirExist
	CmdRemovePath
	CmdGetSQLStrings
)

var commandNames = map[Command]string{
	CmdNodeInitCoordinator:       "NODE_INIT_COORDINATOR",
	CmdNodeInitDatanode:          "NODE_INIT_DATANODE",
	CmdNodeInitGTM:               "NODE_INIT_GTM",
	CmdNodeStart:                 "NODE_START",
	CmdNodeStop:                  "NODE_STOP",
	CmdNodeRestart:               "NODE_RESTART",
	CmdNodeReload:                "NODE_RELOAD",
	CmdNodePromote:               "NODE_PROMOTE",
	CmdNodeCleanDir:              "NODE_CLEAN_DIR",
	CmdConfRefreshPostgres:       "CONF_REFRESH_POSTGRES",
	CmdConfRefreshPostgresReload: "CONF_REFRESH_POSTGRES_RELOAD",
	CmdConfRefreshHBA:            "CONF_REFRESH_HBA",
	CmdConfDeleteHBALine:         "CONF_DELETE_HBA_LINE",
	CmdConfRefreshRecovery:       "CONF_REFRESH_RECOVERY",
	CmdBasebackup:                "BASEBACKUP",
	CmdDumpall:                   "DUMPALL",
	CmdPsqlExec:                  "PSQL_EXEC",
	CmdCheckDirExist:             "CHECK_DIR_EXIST",
	CmdRemovePath:                "REMOVE_PATH",
	CmdGetSQLStrings:             "GET_SQL_STRINGS",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(c))
}

// Frame is a single message on the wire.
type Frame struct {
	Type    MsgType
	Payload []byte
}

// WriteFrame writes one frame: 4-byte LE length of (1 type byte +
// payload), then the type byte, then the payload.
func WriteFrame(w io.Writer, f Frame) error {
	length := uint32(1 + len(f.Payload))
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], length)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(f.Type)}); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame, or io.EOF at a clean end of stream.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	if length == 0 {
		return Frame{}, fmt.Errorf("agentproto: zero-length frame")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}
	return Frame{Type: MsgType(buf[0]), Payload: buf[1:]}, nil
}

// EncodeTokens joins a sequence of NUL-terminated tokens, the shape the
// spec mandates for config-writer payloads and command arguments
// (spec §4.1, §6.3): "target-path\0 key1\0 value1\0 ...".
func EncodeTokens(tokens ...string) []byte {
	var out []byte
	for _, t := range tokens {
		out = append(out, t...)
		out = append(out, 0)
	}
	return out
}

// DecodeTokens splits a NUL-terminated token stream back into strings,
// dropping a trailing empty token produced by a terminal NUL.
func DecodeTokens(payload []byte) []string {
	var tokens []string
	start := 0
	for i, b := range payload {
		if b == 0 {
			tokens = append(tokens, string(payload[start:i]))
			start = i + 1
		}
	}
	if start < len(payload) {
		tokens = append(tokens, string(payload[start:]))
	}
	return tokens
}

// EncodeCommand builds a COMMAND payload: one command-code byte
// followed by NUL-terminated argument tokens and an optional trailing
// binary blob (used by config-file writers to ship the new file
// content out of band from its token-encoded key/value arguments).
func EncodeCommand(cmd Command, blob []byte, args ...string) []byte {
	payload := make([]byte, 0, 1+len(args)*8)
	payload = append(payload, byte(cmd))
	payload = append(payload, EncodeTokens(args...)...)
	payload = append(payload, blob...)
	return payload
}

// DecodeCommand splits a COMMAND payload back into its code and
// argument tokens (the blob, if any, is the caller's concern since its
// boundary is command-specific).
func DecodeCommand(payload []byte) (Command, []string, error) {
	if len(payload) == 0 {
		return 0, nil, fmt.Errorf("agentproto: empty command payload")
	}
	return Command(payload[0]), DecodeTokens(payload[1:]), nil
}

// HBALine is the fixed tuple the spec mandates for HBA rewrites
// (spec §4.1): "type\0 database\0 user\0 address\0 mask-bits\0 auth-method\0".
type HBALine struct {
	Type     string
	Database string
	User     string
	Address  string
	MaskBits int
	Auth     string
}

func (h HBALine) Tokens() []string {
	return []string{h.Type, h.Database, h.User, h.Address, fmt.Sprintf("%d", h.MaskBits), h.Auth}
}

// ConfigWrite describes a keyed-options file rewrite (spec §4.1):
// "target-path\0 key1\0 value1\0 key2\0 value2\0 ...".
type ConfigWrite struct {
	TargetPath string
	Options    map[string]string
	// OrderedKeys fixes token order for deterministic wire output and
	// for tests; if nil, Options is emitted in arbitrary map order.
	OrderedKeys []string
}

func (c ConfigWrite) Tokens() []string {
	tokens := []string{c.TargetPath}
	keys := c.OrderedKeys
	if keys == nil {
		for k := range c.Options {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		tokens = append(tokens, k, c.Options[k])
	}
	return tokens
}
