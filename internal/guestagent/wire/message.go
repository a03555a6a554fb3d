package wire

import "fmt"

// GuestMsgType identifies a guest to host message.
type GuestMsgType uint8

const (
	RespOK                GuestMsgType = 0
	RespOKU64             GuestMsgType = 1
	RespOKBytes           GuestMsgType = 2
	RespErr               GuestMsgType = 3
	NotifyOutputAvailable GuestMsgType = 4
	NotifyProcessDied     GuestMsgType = 5
)

func (t GuestMsgType) String() string {
	switch t {
	case RespOK:
		return "ok"
	case RespOKU64:
		return "ok_u64"
	case RespOKBytes:
		return "ok_bytes"
	case RespErr:
		return "err"
	case NotifyOutputAvailable:
		return "output_available"
	case NotifyProcessDied:
		return "process_died"
	}
	return fmt.Sprintf("guest_msg(%d)", uint8(t))
}

// IsNotification reports whether t is an unsolicited guest event.
func (t GuestMsgType) IsNotification() bool {
	return t == NotifyOutputAvailable || t == NotifyProcessDied
}

// Message is one guest to host message: a response to the request with the
// same ID, or a notification (ID 0).
type Message struct {
	ID   uint64
	Type GuestMsgType

	Value uint64 // RespOKU64
	Data  []byte // RespOKBytes
	Code  uint32 // RespErr

	Process  uint64 // notifications
	FD       uint32 // NotifyOutputAvailable
	Status   uint8  // NotifyProcessDied
	ExitKind uint8  // NotifyProcessDied
}

// Encode appends m to enc.
func (m Message) Encode(enc *Encoder) {
	enc.Uint64(m.ID)
	enc.Uint8(uint8(m.Type))
	switch m.Type {
	case RespOKU64:
		enc.Uint64(m.Value)
	case RespOKBytes:
		enc.WriteBytes(m.Data)
	case RespErr:
		enc.Uint32(m.Code)
	case NotifyOutputAvailable:
		enc.Uint64(m.Process)
		enc.Uint32(m.FD)
	case NotifyProcessDied:
		enc.Uint64(m.Process)
		enc.Uint8(m.Status)
		enc.Uint8(m.ExitKind)
	}
}

// ReadMessage decodes one guest message. A clean end of stream before the
// header yields io.EOF; anything after that is io.ErrUnexpectedEOF or
// ErrMalformed.
func ReadMessage(d *Decoder) (Message, error) {
	var m Message
	var err error
	if m.ID, err = d.Uint64(); err != nil {
		return m, err
	}
	typ, err := d.Uint8()
	if err != nil {
		return m, midMessage(err)
	}
	m.Type = GuestMsgType(typ)

	switch m.Type {
	case RespOK:
	case RespOKU64:
		m.Value, err = d.Uint64()
	case RespOKBytes:
		m.Data, err = d.Bytes()
	case RespErr:
		m.Code, err = d.Uint32()
	case NotifyOutputAvailable:
		if m.Process, err = d.Uint64(); err == nil {
			m.FD, err = d.Uint32()
		}
	case NotifyProcessDied:
		if m.Process, err = d.Uint64(); err == nil {
			if m.Status, err = d.Uint8(); err == nil {
				m.ExitKind, err = d.Uint8()
			}
		}
	default:
		return m, malformed("unknown guest message type %d", typ)
	}
	if err != nil {
		return m, midMessage(err)
	}
	if m.Type.IsNotification() && m.ID != 0 {
		return m, malformed("%s carries request id %d", m.Type, m.ID)
	}
	if !m.Type.IsNotification() && m.ID == 0 {
		return m, malformed("%s response without request id", m.Type)
	}
	return m, nil
}
