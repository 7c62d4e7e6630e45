// Package frame implements the length-prefixed tunnel wire protocol used
// between peers: a sum type of five message kinds, framed distinctly from
// the SOCKS5 protocol spoken to local clients.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Tag identifies the kind of a TunnelMessage on the wire.
type Tag byte

const (
	TagConnect   Tag = 0x01
	TagConnected Tag = 0x02
	TagError     Tag = 0x03
	TagData      Tag = 0x04
	TagClose     Tag = 0x05
)

func (t Tag) String() string {
	switch t {
	case TagConnect:
		return "Connect"
	case TagConnected:
		return "Connected"
	case TagError:
		return "Error"
	case TagData:
		return "Data"
	case TagClose:
		return "Close"
	default:
		return fmt.Sprintf("Tag(0x%02x)", byte(t))
	}
}

// MaxPayload is the largest payload a single frame may carry; senders
// fragment larger buffers into successive Data frames.
const MaxPayload = 64 * 1024

// MaxFrameLength is the hard ceiling on a frame's declared length. Frames
// claiming to be longer are a protocol violation.
const MaxFrameLength = 1024 * 1024

// ProtocolViolation is returned by Read when a frame is malformed in a
// way that must reset the substream: an oversize length, an unknown tag,
// or a truncated body.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return "tunnel: protocol violation: " + e.Reason
}

// Message is the decoded form of a single tunnel frame (TunnelMessage in
// spec terms). Exactly one of the typed fields is meaningful, selected by
// Tag.
type Message struct {
	Tag Tag

	// TagConnect
	Host string
	Port uint16

	// TagError
	Text string

	// TagData
	Data []byte
}

func Connect(host string, port uint16) Message { return Message{Tag: TagConnect, Host: host, Port: port} }
func Connected() Message                       { return Message{Tag: TagConnected} }
func Err(text string) Message                  { return Message{Tag: TagError, Text: text} }
func Data(b []byte) Message                    { return Message{Tag: TagData, Data: b} }
func Close() Message                           { return Message{Tag: TagClose} }

// encodePayload serializes m as payload := tag, body and returns it without the
// outer u32-be length prefix (Write adds that).
func (m Message) encodePayload() ([]byte, error) {
	switch m.Tag {
	case TagConnect:
		if len(m.Host) > 0xFFFF {
			return nil, fmt.Errorf("frame: host too long (%d bytes)", len(m.Host))
		}
		buf := make([]byte, 0, 1+2+len(m.Host)+2)
		buf = append(buf, byte(TagConnect))
		buf = appendString(buf, m.Host)
		buf = append(buf, byte(m.Port>>8), byte(m.Port))
		return buf, nil
	case TagConnected:
		return []byte{byte(TagConnected)}, nil
	case TagError:
		if len(m.Text) > 0xFFFF {
			return nil, fmt.Errorf("frame: error message too long (%d bytes)", len(m.Text))
		}
		buf := make([]byte, 0, 1+2+len(m.Text))
		buf = append(buf, byte(TagError))
		buf = appendString(buf, m.Text)
		return buf, nil
	case TagData:
		if len(m.Data) > MaxPayload {
			return nil, fmt.Errorf("frame: data payload exceeds %d bytes", MaxPayload)
		}
		buf := make([]byte, 0, 1+len(m.Data))
		buf = append(buf, byte(TagData))
		buf = append(buf, m.Data...)
		return buf, nil
	case TagClose:
		return []byte{byte(TagClose)}, nil
	default:
		return nil, fmt.Errorf("frame: unknown tag 0x%02x", byte(m.Tag))
	}
}

func appendString(buf []byte, s string) []byte {
	b := []byte(s)
	buf = append(buf, byte(len(b)>>8), byte(len(b)))
	return append(buf, b...)
}

// Write encodes m and writes a full frame (length prefix + payload) to w.
func Write(w io.Writer, m Message) error {
	payload, err := m.encodePayload()
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// Read reads and decodes exactly one frame from r. It returns
// *ProtocolViolation for oversize lengths, unknown tags, or truncated
// bodies; callers must reset the substream on that error per spec.md §4.2.
func Read(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameLength {
		return Message{}, &ProtocolViolation{Reason: fmt.Sprintf("frame length %d exceeds ceiling %d", length, MaxFrameLength)}
	}
	if length == 0 {
		return Message{}, &ProtocolViolation{Reason: "empty frame body"}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Message{}, &ProtocolViolation{Reason: "truncated frame body"}
		}
		return Message{}, err
	}
	return decodePayload(body)
}

func decodePayload(body []byte) (Message, error) {
	tag := Tag(body[0])
	rest := body[1:]
	switch tag {
	case TagConnect:
		host, after, err := readString(rest)
		if err != nil {
			return Message{}, err
		}
		if len(after) != 2 {
			return Message{}, &ProtocolViolation{Reason: "Connect: trailing port malformed"}
		}
		port := uint16(after[0])<<8 | uint16(after[1])
		return Message{Tag: TagConnect, Host: host, Port: port}, nil
	case TagConnected:
		if len(rest) != 0 {
			return Message{}, &ProtocolViolation{Reason: "Connected: unexpected body"}
		}
		return Message{Tag: TagConnected}, nil
	case TagError:
		text, after, err := readString(rest)
		if err != nil {
			return Message{}, err
		}
		if len(after) != 0 {
			return Message{}, &ProtocolViolation{Reason: "Error: trailing bytes"}
		}
		return Message{Tag: TagError, Text: text}, nil
	case TagData:
		if len(rest) > MaxPayload {
			return Message{}, &ProtocolViolation{Reason: "Data: payload exceeds frame maximum"}
		}
		buf := make([]byte, len(rest))
		copy(buf, rest)
		return Message{Tag: TagData, Data: buf}, nil
	case TagClose:
		if len(rest) != 0 {
			return Message{}, &ProtocolViolation{Reason: "Close: unexpected body"}
		}
		return Message{Tag: TagClose}, nil
	default:
		return Message{}, &ProtocolViolation{Reason: fmt.Sprintf("unknown tag 0x%02x", byte(tag))}
	}
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, &ProtocolViolation{Reason: "string: missing length prefix"}
	}
	l := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if len(b) < l {
		return "", nil, &ProtocolViolation{Reason: "string: declared length exceeds body"}
	}
	return string(b[:l]), b[l:], nil
}
