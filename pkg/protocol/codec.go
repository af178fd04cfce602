package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

var (
	ErrMalformed       = errors.New("malformed message")
	ErrUnknownSyncType = errors.New("unknown sync message type")
	ErrReservedTag     = errors.New("reserved message tag")
	ErrInternalMessage = errors.New("internal messages cannot be encoded")
	ErrInvalidCustom   = errors.New("invalid custom message tag")
)

// DecodeError pinpoints which message of a frame failed to decode.
type DecodeError struct {
	// Index is the position of the failing message within the frame.
	Index int
	// Offset is the byte offset at which that message started.
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message %d at offset %d: %v", e.Index, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder yields the messages of one frame in order. It is single pass: after
// an error the rest of the frame is abandoned.
type Decoder struct {
	buf   []byte
	off   int
	index int
	err   error
}

func NewDecoder(frame []byte) *Decoder {
	return &Decoder{buf: frame}
}

// Next returns the next message, io.EOF once the frame is exhausted, or a
// *DecodeError.
func (d *Decoder) Next() (Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.off >= len(d.buf) {
		return nil, io.EOF
	}
	start := d.off
	msg, err := d.decodeOne()
	if err != nil {
		d.err = &DecodeError{Index: d.index, Offset: start, Err: err}
		return nil, d.err
	}
	d.index++
	return msg, nil
}

// Decode reads a whole frame eagerly. Mostly useful in tests and tooling.
func Decode(frame []byte) ([]Message, error) {
	d := NewDecoder(frame)
	var out []Message
	for {
		msg, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		} else if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

func (d *Decoder) decodeOne() (Message, error) {
	tag, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagSync:
		sub, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		payload, err := d.varBytes()
		if err != nil {
			return nil, err
		}
		switch sub {
		case syncStep1:
			return SyncStep1{StateVector: payload}, nil
		case syncStep2:
			return SyncStep2{Update: payload}, nil
		case syncUpdate:
			return Update{Update: payload}, nil
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnknownSyncType, sub)
		}
	case tagAwareness:
		payload, err := d.varBytes()
		if err != nil {
			return nil, err
		}
		return AwarenessUpdate{Payload: payload}, nil
	case tagAuth:
		permission, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		switch permission {
		case authDenied:
			reason, err := d.varBytes()
			if err != nil {
				return nil, err
			}
			if !utf8.Valid(reason) {
				return nil, fmt.Errorf("%w: auth reason is not utf-8", ErrMalformed)
			}
			return Auth{Denied: true, Reason: string(reason)}, nil
		case authGranted:
			return Auth{}, nil
		default:
			return nil, fmt.Errorf("%w: auth permission %d", ErrMalformed, permission)
		}
	case tagAwarenessQuery:
		return AwarenessQuery{}, nil
	case tagInternal:
		return nil, fmt.Errorf("%w: %d", ErrReservedTag, tag)
	default:
		data, err := d.varBytes()
		if err != nil {
			return nil, err
		}
		return Custom{Tag: tag, Data: data}, nil
	}
}

func (d *Decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varuint", ErrMalformed)
	}
	d.off += n
	return v, nil
}

func (d *Decoder) varBytes() ([]byte, error) {
	size, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if size > uint64(len(d.buf)-d.off) {
		return nil, fmt.Errorf("%w: %d byte payload overruns frame", ErrMalformed, size)
	}
	out := d.buf[d.off : d.off+int(size)]
	d.off += int(size)
	return out, nil
}

// Encode concatenates msgs into one frame.
func Encode(msgs ...Message) ([]byte, error) {
	var out []byte
	for _, m := range msgs {
		var err error
		if out, err = Append(out, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func Append(buf []byte, m Message) ([]byte, error) {
	switch m := m.(type) {
	case SyncStep1:
		buf = binary.AppendUvarint(buf, tagSync)
		buf = binary.AppendUvarint(buf, syncStep1)
		return appendBytes(buf, m.StateVector), nil
	case SyncStep2:
		buf = binary.AppendUvarint(buf, tagSync)
		buf = binary.AppendUvarint(buf, syncStep2)
		return appendBytes(buf, m.Update), nil
	case Update:
		buf = binary.AppendUvarint(buf, tagSync)
		buf = binary.AppendUvarint(buf, syncUpdate)
		return appendBytes(buf, m.Update), nil
	case AwarenessUpdate:
		buf = binary.AppendUvarint(buf, tagAwareness)
		return appendBytes(buf, m.Payload), nil
	case Auth:
		buf = binary.AppendUvarint(buf, tagAuth)
		if !m.Denied {
			return binary.AppendUvarint(buf, authGranted), nil
		}
		buf = binary.AppendUvarint(buf, authDenied)
		return appendBytes(buf, []byte(m.Reason)), nil
	case AwarenessQuery:
		return binary.AppendUvarint(buf, tagAwarenessQuery), nil
	case Custom:
		if m.Tag < MinCustomTag {
			return nil, fmt.Errorf("%w: %d", ErrInvalidCustom, m.Tag)
		}
		buf = binary.AppendUvarint(buf, m.Tag)
		return appendBytes(buf, m.Data), nil
	case Internal:
		return nil, ErrInternalMessage
	default:
		return nil, fmt.Errorf("cannot encode %T", m)
	}
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}
