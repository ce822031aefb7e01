// Package protocol implements the binary wire protocol spoken between clustermir
// clients and cluster nodes.
//
// Protocol Format:
//   - All messages are prefixed with a 4-byte length header (big-endian)
//   - A command is a name followed by a list of string arguments
//   - A response is a type byte followed by a type-dependent payload
//   - Strings are uvarint length-prefixed to handle arbitrary data
//
// Example usage:
//
//	cmd := protocol.NewCommand("SET", "user:123", "john_doe")
//	if err := protocol.WriteCommand(conn, cmd); err != nil {
//		log.Fatal(err)
//	}
//	resp, err := protocol.ReadResponse(conn)
//
// Cluster redirections travel as error responses whose text starts with MOVED or
// ASK; see ParseRedirect.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Protocol constants
const (
	protocolHeaderSize = 4
	maxUint32Value     = 4294967295
	// MaxMessageSize caps a single framed message.
	MaxMessageSize = 1024 * 1024
)

// ResponseType represents the type of response from the server.
// Different response types carry different data formats.
type ResponseType uint8

// Response type constants define the possible server response formats.
const (
	RespOK     ResponseType = iota // Simple OK response
	RespError                      // Error message response
	RespString                     // String data response
	RespInt                        // Integer data response
	RespArray                      // Array of strings response
	RespNil                        // Null/empty response
	RespList                       // Nested replies, e.g. of EXEC
)

// String returns a short name for the response type.
func (t ResponseType) String() string {
	switch t {
	case RespOK:
		return "ok"
	case RespError:
		return "error"
	case RespString:
		return "string"
	case RespInt:
		return "int"
	case RespArray:
		return "array"
	case RespNil:
		return "nil"
	case RespList:
		return "list"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Command represents a client request to a cluster node: an upper-case command
// name and its arguments, exactly as a user would type them.
//
// Example:
//
//	cmd := &Command{Name: "MSET", Args: []string{"a", "1", "b", "2"}}
type Command struct {
	Name string   // Command name, e.g. "GET" or "CLUSTER"
	Args []string // Arguments following the name
}

// NewCommand builds a Command from a name and its arguments. The name is
// upper-cased.
func NewCommand(name string, args ...string) *Command {
	return &Command{Name: strings.ToUpper(name), Args: args}
}

// FromArgs builds a Command from a full argument vector whose first element is
// the command name. It returns nil for an empty vector.
func FromArgs(argv []string) *Command {
	if len(argv) == 0 {
		return nil
	}
	return NewCommand(argv[0], argv[1:]...)
}

// Argv returns the full argument vector, name first.
func (c *Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Name)
	return append(argv, c.Args...)
}

func (c *Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Response represents a node's reply to a command.
// The response type determines how the Data field should be interpreted:
//   - RespString: string
//   - RespInt: int64
//   - RespArray: []string
//   - RespList: []*Response
//   - RespOK, RespNil: no data
//   - RespError: the message is in Error
type Response struct {
	Data  interface{}  // The response payload (string, int64, []string)
	Error string       // Error message if Type is RespError
	Type  ResponseType // The type of response data
}

// OK returns a RespOK response.
func OK() *Response { return &Response{Type: RespOK} }

// Nil returns a RespNil response.
func Nil() *Response { return &Response{Type: RespNil} }

// Int returns a RespInt response.
func Int(n int64) *Response { return &Response{Type: RespInt, Data: n} }

// String returns a RespString response.
func String(s string) *Response { return &Response{Type: RespString, Data: s} }

// Array returns a RespArray response. A nil slice is sent as an empty array.
func Array(items []string) *Response {
	if items == nil {
		items = []string{}
	}
	return &Response{Type: RespArray, Data: items}
}

// List returns a RespList response nesting items.
func List(items []*Response) *Response {
	if items == nil {
		items = []*Response{}
	}
	return &Response{Type: RespList, Data: items}
}

// Errorf returns a RespError response with a formatted message.
func Errorf(format string, args ...interface{}) *Response {
	return &Response{Type: RespError, Error: fmt.Sprintf(format, args...)}
}

// Serialize converts a Command into its binary representation for network transmission.
// The format uses variable-length encoding for efficiency:
//   - varint: name length + name bytes
//   - varint: args count + (varint: arg length + arg bytes) for each arg
//
// Returns:
//   - Binary representation of the command
//   - Error if serialization fails
func (c *Command) Serialize() ([]byte, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("empty command name")
	}

	var buf []byte
	buf = appendString(buf, c.Name)
	buf = binary.AppendUvarint(buf, uint64(len(c.Args)))
	for _, arg := range c.Args {
		buf = appendString(buf, arg)
	}

	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// DeserializeCommand reconstructs a Command from its binary representation.
// This is the inverse operation of Command.Serialize().
//
// Parameters:
//   - data: Binary data containing the serialized command
//
// Returns:
//   - Reconstructed Command object
//   - Error if deserialization fails or data is corrupted
func DeserializeCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty command data")
	}

	name, offset, err := deserializeString(data, 0, "name")
	if err != nil {
		return nil, err
	}

	args, _, err := deserializeStringSlice(data, offset)
	if err != nil {
		return nil, err
	}

	return &Command{Name: name, Args: args}, nil
}

func deserializeString(data []byte, offset int, fieldName string) (str string, newOffset int, err error) {
	if offset >= len(data) {
		err = fmt.Errorf("missing %s", fieldName)
		return
	}
	strLen, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		err = fmt.Errorf("invalid %s length", fieldName)
		return
	}
	if strLen > uint64(len(data)) || strLen > uint64(^uint(0)>>1) {
		err = fmt.Errorf("%s length too large", fieldName)
		return
	}
	offset += n

	strLenInt := int(strLen)
	if offset+strLenInt > len(data) {
		err = fmt.Errorf("%s data truncated", fieldName)
		return
	}
	str = string(data[offset : offset+strLenInt])
	newOffset = offset + strLenInt
	return
}

func deserializeStringSlice(data []byte, offset int) (args []string, newOffset int, err error) {
	if offset >= len(data) {
		err = fmt.Errorf("missing args count")
		return
	}
	argsCount, n := binary.Uvarint(data[offset:])
	if n <= 0 {
		err = fmt.Errorf("invalid args count")
		return
	}
	if argsCount > uint64(len(data)) {
		err = fmt.Errorf("args count too large")
		return
	}
	offset += n

	args = make([]string, argsCount)
	for i := uint64(0); i < argsCount; i++ {
		var arg string
		arg, offset, err = deserializeString(data, offset, "arg")
		if err != nil {
			return
		}
		args[i] = arg
	}

	newOffset = offset
	return
}

// Serialize converts a Response into its binary representation for network transmission.
// The format varies by response type:
//   - RespOK/RespNil: just the type byte
//   - RespError/RespString: type + varint length + data bytes
//   - RespInt: type + varint-encoded signed integer
//   - RespArray: type + varint count + (varint length + bytes) for each item
//   - RespList: type + varint count + (varint length + serialized reply) for each item
func (r *Response) Serialize() ([]byte, error) {
	buf := []byte{byte(r.Type)}

	switch r.Type {
	case RespOK, RespNil:
		return buf, nil
	case RespError:
		buf = appendString(buf, r.Error)
	case RespString:
		str, ok := r.Data.(string)
		if !ok {
			return nil, fmt.Errorf("string response carries %T", r.Data)
		}
		buf = appendString(buf, str)
	case RespInt:
		num, ok := r.Data.(int64)
		if !ok {
			return nil, fmt.Errorf("int response carries %T", r.Data)
		}
		buf = binary.AppendVarint(buf, num)
	case RespArray:
		arr, ok := r.Data.([]string)
		if !ok {
			return nil, fmt.Errorf("array response carries %T", r.Data)
		}
		buf = binary.AppendUvarint(buf, uint64(len(arr)))
		for _, item := range arr {
			buf = appendString(buf, item)
		}
	case RespList:
		items, ok := r.Data.([]*Response)
		if !ok {
			return nil, fmt.Errorf("list response carries %T", r.Data)
		}
		buf = binary.AppendUvarint(buf, uint64(len(items)))
		for _, item := range items {
			data, err := item.Serialize()
			if err != nil {
				return nil, err
			}
			buf = appendString(buf, string(data))
		}
	default:
		return nil, fmt.Errorf("unknown response type: %d", r.Type)
	}

	return buf, nil
}

// DeserializeResponse reconstructs a Response from its binary representation.
// This is the inverse operation of Response.Serialize().
func DeserializeResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response data")
	}

	resp := &Response{Type: ResponseType(data[0])}
	offset := 1

	switch resp.Type {
	case RespOK, RespNil:
		return resp, nil
	case RespError:
		msg, _, err := deserializeString(data, offset, "error")
		if err != nil {
			return nil, err
		}
		resp.Error = msg
	case RespString:
		str, _, err := deserializeString(data, offset, "string")
		if err != nil {
			return nil, err
		}
		resp.Data = str
	case RespInt:
		num, n := binary.Varint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("invalid integer")
		}
		resp.Data = num
	case RespArray:
		arr, _, err := deserializeStringSlice(data, offset)
		if err != nil {
			return nil, err
		}
		resp.Data = arr
	case RespList:
		raw, _, err := deserializeStringSlice(data, offset)
		if err != nil {
			return nil, err
		}
		items := make([]*Response, len(raw))
		for i, b := range raw {
			if items[i], err = DeserializeResponse([]byte(b)); err != nil {
				return nil, fmt.Errorf("list item %d: %w", i, err)
			}
		}
		resp.Data = items
	default:
		return nil, fmt.Errorf("unknown response type: %d", resp.Type)
	}

	return resp, nil
}

// ParseTextCommand parses a Redis-style text command into a Command struct.
// Arguments are separated by whitespace; double quotes group an argument that
// contains spaces.
//
// Example:
//
//	cmd, err := protocol.ParseTextCommand(`SET greeting "hello world"`)
//	// cmd.Name == "SET", cmd.Args == ["greeting", "hello world"]
func ParseTextCommand(line string) (*Command, error) {
	parts, err := splitArgs(strings.TrimSpace(line))
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return FromArgs(parts), nil
}

func splitArgs(line string) ([]string, error) {
	var (
		parts   []string
		current strings.Builder
		inQuote bool
		started bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case !inQuote && (r == ' ' || r == '\t'):
			if started {
				parts = append(parts, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unbalanced quotes")
	}
	if started {
		parts = append(parts, current.String())
	}
	return parts, nil
}

// WriteResponse writes a Response to the given writer with proper framing.
// The response is serialized and prefixed with a 4-byte length header.
func WriteResponse(w io.Writer, resp *Response) error {
	data, err := resp.Serialize()
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}

// ReadResponse reads a Response from the given reader.
// It first reads the 4-byte length header, then reads and deserializes
// the response data. Includes protection against oversized messages.
func ReadResponse(r io.Reader) (*Response, error) {
	data, err := readFrame(r, "response")
	if err != nil {
		return nil, err
	}
	return DeserializeResponse(data)
}

// WriteCommand writes a Command to the given writer with proper framing.
func WriteCommand(w io.Writer, cmd *Command) error {
	data, err := cmd.Serialize()
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}

// ReadCommand reads a Command from the given reader.
func ReadCommand(r io.Reader) (*Command, error) {
	data, err := readFrame(r, "command")
	if err != nil {
		return nil, err
	}
	return DeserializeCommand(data)
}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxUint32Value || len(data) > MaxMessageSize {
		return fmt.Errorf("data too large: %d bytes", len(data))
	}

	frame := make([]byte, protocolHeaderSize, protocolHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	frame = append(frame, data...)

	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader, what string) ([]byte, error) {
	lengthBuf := make([]byte, protocolHeaderSize)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%s too large: %d bytes", what, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
