package wire

import (
	"fmt"
)

// MsgType identifies a host to guest request.
type MsgType uint8

const (
	MsgQuit        MsgType = 1
	MsgRunProcess  MsgType = 2
	MsgKillProcess MsgType = 3
	MsgMountVolume MsgType = 4
	MsgQueryOutput MsgType = 6
	MsgNetCtl      MsgType = 9
	MsgNetHost     MsgType = 10
)

func (t MsgType) String() string {
	switch t {
	case MsgQuit:
		return "quit"
	case MsgRunProcess:
		return "run_process"
	case MsgKillProcess:
		return "kill"
	case MsgMountVolume:
		return "mount"
	case MsgQueryOutput:
		return "query_output"
	case MsgNetCtl:
		return "net_ctl"
	case MsgNetHost:
		return "net_host"
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// SubEnd terminates the sub-message list of every request.
const SubEnd uint8 = 0

// RunProcess sub-messages.
const (
	SubRunBin uint8 = iota + 1
	SubRunArg
	SubRunEnv
	SubRunUID
	SubRunGID
	SubRunRedirect
	SubRunCwd
	SubRunEntrypoint
)

// KillProcess sub-messages.
const SubKillID uint8 = 1

// MountVolume sub-messages.
const (
	SubMountTag  uint8 = 1
	SubMountPath uint8 = 2
)

// QueryOutput sub-messages.
const (
	SubQueryID uint8 = iota + 1
	SubQueryFD
	SubQueryOffset
	SubQueryLength
)

// NetCtl sub-messages.
const (
	SubNetFlags uint8 = iota + 1
	SubNetAddr
	SubNetMask
	SubNetGateway
	SubNetIfAddr
	SubNetIface
)

// NetHost sub-messages.
const SubHostEntry uint8 = 1

// NetCtl flags.
const (
	NetCtlAddAddress uint16 = 1 << 0
	NetCtlAddRoute   uint16 = 1 << 1
)

// RedirectKind is the on-wire redirect discriminator.
type RedirectKind uint8

const (
	RedirectFile         RedirectKind = 0
	RedirectPipeBlocking RedirectKind = 1
	RedirectPipeCyclic   RedirectKind = 2
)

// Redirect is one RFD sub-message.
type Redirect struct {
	FD       uint32
	Kind     RedirectKind
	Capacity uint64
	Path     string
}

// RunProcess carries a spawn request.
type RunProcess struct {
	Bin        string
	Args       []string
	Env        []string // nil: inherit the guest default
	UID        uint32
	GID        uint32
	Redirects  []Redirect
	Dir        string
	Entrypoint bool
}

type Kill struct {
	ID uint64
}

type Mount struct {
	Tag  string
	Path string
}

type QueryOutput struct {
	ID     uint64
	FD     uint8
	Offset uint64
	Length uint64
}

type NetCtl struct {
	Flags   uint16
	Addr    string
	Mask    string
	Gateway string
	IfAddr  string
	Iface   uint16
}

type HostEntry struct {
	Addr string
	Name string
}

// Request is one host to guest message. Exactly one body field matching
// Type is set.
type Request struct {
	ID   uint64
	Type MsgType

	Run    *RunProcess
	Kill   *Kill
	Mount  *Mount
	Query  *QueryOutput
	NetCtl *NetCtl
	Hosts  []HostEntry
}

// Encode appends the full request to enc.
func (r *Request) Encode(enc *Encoder) error {
	if r.ID == 0 {
		return fmt.Errorf("wire: request id 0 is reserved for notifications")
	}
	enc.Uint64(r.ID)
	enc.Uint8(uint8(r.Type))

	switch r.Type {
	case MsgQuit:
	case MsgRunProcess:
		if r.Run == nil {
			return fmt.Errorf("wire: %s without body", r.Type)
		}
		encodeRun(enc, r.Run)
	case MsgKillProcess:
		if r.Kill == nil {
			return fmt.Errorf("wire: %s without body", r.Type)
		}
		enc.Uint8(SubKillID)
		enc.Uint64(r.Kill.ID)
	case MsgMountVolume:
		if r.Mount == nil {
			return fmt.Errorf("wire: %s without body", r.Type)
		}
		enc.Uint8(SubMountTag)
		enc.String(r.Mount.Tag)
		enc.Uint8(SubMountPath)
		enc.String(r.Mount.Path)
	case MsgQueryOutput:
		if r.Query == nil {
			return fmt.Errorf("wire: %s without body", r.Type)
		}
		enc.Uint8(SubQueryID)
		enc.Uint64(r.Query.ID)
		enc.Uint8(SubQueryFD)
		enc.Uint8(r.Query.FD)
		enc.Uint8(SubQueryOffset)
		enc.Uint64(r.Query.Offset)
		enc.Uint8(SubQueryLength)
		enc.Uint64(r.Query.Length)
	case MsgNetCtl:
		if r.NetCtl == nil {
			return fmt.Errorf("wire: %s without body", r.Type)
		}
		encodeNetCtl(enc, r.NetCtl)
	case MsgNetHost:
		for _, h := range r.Hosts {
			enc.Uint8(SubHostEntry)
			enc.String(h.Addr)
			enc.String(h.Name)
		}
	default:
		return fmt.Errorf("wire: cannot encode %s", r.Type)
	}

	enc.Uint8(SubEnd)
	return nil
}

func encodeRun(enc *Encoder, run *RunProcess) {
	enc.Uint8(SubRunBin)
	enc.String(run.Bin)
	enc.Uint8(SubRunArg)
	enc.StringSlice(run.Args)
	if run.Env != nil {
		enc.Uint8(SubRunEnv)
		enc.StringSlice(run.Env)
	}
	enc.Uint8(SubRunUID)
	enc.Uint32(run.UID)
	enc.Uint8(SubRunGID)
	enc.Uint32(run.GID)
	for _, rd := range run.Redirects {
		enc.Uint8(SubRunRedirect)
		enc.Uint32(rd.FD)
		enc.Uint8(uint8(rd.Kind))
		if rd.Kind == RedirectFile {
			enc.String(rd.Path)
		} else {
			enc.Uint64(rd.Capacity)
		}
	}
	if run.Dir != "" {
		enc.Uint8(SubRunCwd)
		enc.String(run.Dir)
	}
	if run.Entrypoint {
		enc.Uint8(SubRunEntrypoint)
	}
}

func encodeNetCtl(enc *Encoder, n *NetCtl) {
	enc.Uint8(SubNetFlags)
	enc.Uint16(n.Flags)
	if n.Addr != "" {
		enc.Uint8(SubNetAddr)
		enc.String(n.Addr)
	}
	if n.Mask != "" {
		enc.Uint8(SubNetMask)
		enc.String(n.Mask)
	}
	if n.Gateway != "" {
		enc.Uint8(SubNetGateway)
		enc.String(n.Gateway)
	}
	if n.IfAddr != "" {
		enc.Uint8(SubNetIfAddr)
		enc.String(n.IfAddr)
	}
	enc.Uint8(SubNetIface)
	enc.Uint16(n.Iface)
}

// ReadRequest decodes one request. It is the guest side of Encode and is
// used by the in-process test agent.
func ReadRequest(d *Decoder) (*Request, error) {
	id, err := d.Uint64()
	if err != nil {
		return nil, err
	}
	typ, err := d.Uint8()
	if err != nil {
		return nil, midMessage(err)
	}
	r := &Request{ID: id, Type: MsgType(typ)}

	switch r.Type {
	case MsgQuit:
	case MsgRunProcess:
		r.Run = &RunProcess{}
	case MsgKillProcess:
		r.Kill = &Kill{}
	case MsgMountVolume:
		r.Mount = &Mount{}
	case MsgQueryOutput:
		r.Query = &QueryOutput{}
	case MsgNetCtl:
		r.NetCtl = &NetCtl{}
	case MsgNetHost:
	default:
		return nil, malformed("unknown request type %d", typ)
	}

	for {
		sub, err := d.Uint8()
		if err != nil {
			return nil, midMessage(err)
		}
		if sub == SubEnd {
			return r, nil
		}
		if err := r.decodeSub(d, sub); err != nil {
			return nil, midMessage(err)
		}
	}
}

func (r *Request) decodeSub(d *Decoder, sub uint8) error {
	var err error
	switch r.Type {
	case MsgRunProcess:
		run := r.Run
		switch sub {
		case SubRunBin:
			run.Bin, err = d.String()
		case SubRunArg:
			run.Args, err = d.StringSlice()
		case SubRunEnv:
			run.Env, err = d.StringSlice()
		case SubRunUID:
			run.UID, err = d.Uint32()
		case SubRunGID:
			run.GID, err = d.Uint32()
		case SubRunRedirect:
			var rd Redirect
			rd, err = decodeRedirect(d)
			run.Redirects = append(run.Redirects, rd)
		case SubRunCwd:
			run.Dir, err = d.String()
		case SubRunEntrypoint:
			run.Entrypoint = true
		default:
			return malformed("unknown %s sub-message %d", r.Type, sub)
		}
	case MsgKillProcess:
		if sub != SubKillID {
			return malformed("unknown %s sub-message %d", r.Type, sub)
		}
		r.Kill.ID, err = d.Uint64()
	case MsgMountVolume:
		switch sub {
		case SubMountTag:
			r.Mount.Tag, err = d.String()
		case SubMountPath:
			r.Mount.Path, err = d.String()
		default:
			return malformed("unknown %s sub-message %d", r.Type, sub)
		}
	case MsgQueryOutput:
		q := r.Query
		switch sub {
		case SubQueryID:
			q.ID, err = d.Uint64()
		case SubQueryFD:
			q.FD, err = d.Uint8()
		case SubQueryOffset:
			q.Offset, err = d.Uint64()
		case SubQueryLength:
			q.Length, err = d.Uint64()
		default:
			return malformed("unknown %s sub-message %d", r.Type, sub)
		}
	case MsgNetCtl:
		n := r.NetCtl
		switch sub {
		case SubNetFlags:
			n.Flags, err = d.Uint16()
		case SubNetAddr:
			n.Addr, err = d.String()
		case SubNetMask:
			n.Mask, err = d.String()
		case SubNetGateway:
			n.Gateway, err = d.String()
		case SubNetIfAddr:
			n.IfAddr, err = d.String()
		case SubNetIface:
			n.Iface, err = d.Uint16()
		default:
			return malformed("unknown %s sub-message %d", r.Type, sub)
		}
	case MsgNetHost:
		if sub != SubHostEntry {
			return malformed("unknown %s sub-message %d", r.Type, sub)
		}
		var h HostEntry
		if h.Addr, err = d.String(); err != nil {
			return err
		}
		h.Name, err = d.String()
		r.Hosts = append(r.Hosts, h)
	default:
		return malformed("%s takes no sub-messages", r.Type)
	}
	return err
}

func decodeRedirect(d *Decoder) (Redirect, error) {
	var rd Redirect
	var err error
	if rd.FD, err = d.Uint32(); err != nil {
		return rd, err
	}
	kind, err := d.Uint8()
	if err != nil {
		return rd, err
	}
	rd.Kind = RedirectKind(kind)
	switch rd.Kind {
	case RedirectFile:
		rd.Path, err = d.String()
	case RedirectPipeBlocking, RedirectPipeCyclic:
		rd.Capacity, err = d.Uint64()
	default:
		return rd, malformed("unknown redirect kind %d", kind)
	}
	return rd, err
}
