package c37118

// CommandCode is the CMD field of a command frame.
type CommandCode uint16

// Command codes per C37.118.2-2011 Table 14. The receiver in commanded
// (TCP master) mode uses the config-request and start/stop codes only.
const (
	CmdStopData    CommandCode = 1
	CmdStartData   CommandCode = 2
	CmdSendHeader  CommandCode = 3
	CmdSendConfig1 CommandCode = 4
	CmdSendConfig2 CommandCode = 5
	CmdSendConfig3 CommandCode = 6
	CmdExtended    CommandCode = 8
)

// String returns the conventional name of the command code.
func (c CommandCode) String() string {
	switch c {
	case CmdStopData:
		return "stop-data"
	case CmdStartData:
		return "start-data"
	case CmdSendHeader:
		return "send-hdr"
	case CmdSendConfig1:
		return "send-cfg1"
	case CmdSendConfig2:
		return "send-cfg2"
	case CmdSendConfig3:
		return "send-cfg3"
	case CmdExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// CommandFrame is a CMD frame addressed to the device identified by the
// header id code. Ext carries the optional extended-command payload.
type CommandFrame struct {
	Header
	Code CommandCode
	Ext  []byte
}

// NewCommand builds a command frame for the given device id, stamped with
// the current protocol version. The caller sets the timestamp on encode.
func NewCommand(idCode uint16, code CommandCode) *CommandFrame {
	return &CommandFrame{
		Header: Header{Type: TypeCommand, Version: ProtocolVersion, IDCode: idCode},
		Code:   code,
	}
}

func decodeCommand(h Header, body []byte) (*CommandFrame, error) {
	r := &reader{buf: body}
	cmd := &CommandFrame{Header: h, Code: CommandCode(r.u16())}
	if r.short {
		return nil, truncated("CMD body")
	}
	if r.remaining() > 0 {
		cmd.Ext = append([]byte(nil), r.bytes(r.remaining())...)
	}
	return cmd, nil
}

func encodeCommand(cmd *CommandFrame, w *writer) {
	w.u16(uint16(cmd.Code))
	w.bytes(cmd.Ext)
}

// HeaderFrame is an HDR frame: free-form ASCII describing the sending
// device.
type HeaderFrame struct {
	Header
	Info string
}

func decodeHeaderFrame(h Header, body []byte) (*HeaderFrame, error) {
	return &HeaderFrame{Header: h, Info: string(body)}, nil
}

func encodeHeaderFrame(hf *HeaderFrame, w *writer) {
	w.bytes([]byte(hf.Info))
}
