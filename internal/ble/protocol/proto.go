// Package protocol describes the Fluval LED report and command layouts and
// reassembles multi-chunk notifications into frames.
//
// Report layout (decrypted, offsets in bytes):
//
//	0-1   header, ignored
//	2     mode: 0 manual, 1 automatic, 2 professional
//	3     LED power: 0 off, anything else on
//	4     ignored
//	5-12  channels 1-4, little-endian uint16 pairs (meaningful in manual mode)
//
// Commands use the same offsets for mode, power and channels so that
// EncodeState is the inverse of ParseReport.
package protocol

import (
	"fmt"
	"strings"
)

// Mode is the lighting mode reported by the fixture.
type Mode uint8

const (
	ModeManual       Mode = 0
	ModeAutomatic    Mode = 1
	ModeProfessional Mode = 2
)

// Modes lists every mode in wire order.
var Modes = []Mode{ModeManual, ModeAutomatic, ModeProfessional}

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeAutomatic:
		return "automatic"
	case ModeProfessional:
		return "professional"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses the lowercase mode name used in config and attributes.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown mode %q", s)
}

// Frame offsets.
const (
	offsetMode     = 2
	offsetLED      = 3
	offsetReserved = 4
	offsetChannels = 5

	// ChannelCount is the number of channels carried in a report.
	ChannelCount = 4
	// MinReportLen is the shortest frame ParseReport accepts.
	MinReportLen = offsetChannels + 2*ChannelCount
)

// Command bytes. Every command starts with CommandPrefix.
const (
	CommandPrefix    = 0x68
	CommandSetState  = 0x04
	CommandHandshake = 0x05
)

// Handshake is written once after subscribing to reports. The fixture
// starts streaming reports only after it sees this command.
var Handshake = []byte{CommandPrefix, CommandHandshake}

// DecodeError reports a frame that cannot be parsed as a report.
type DecodeError struct {
	Len    int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode report (%d bytes): %s", e.Len, e.Reason)
}

// Report is a parsed device report. Channels hold the raw wire values;
// whether they mean anything depends on the effective mode.
type Report struct {
	Mode      Mode
	ModeKnown bool // false when byte 2 is not a known mode
	RawMode   byte
	LEDOn     bool
	Channels  [ChannelCount]uint16
}

// ParseReport decodes a complete frame.
func ParseReport(frame []byte) (Report, error) {
	if len(frame) < MinReportLen {
		return Report{}, &DecodeError{
			Len:    len(frame),
			Reason: fmt.Sprintf("need at least %d bytes", MinReportLen),
		}
	}

	r := Report{
		RawMode: frame[offsetMode],
		LEDOn:   frame[offsetLED] != 0x00,
	}
	if r.RawMode <= byte(ModeProfessional) {
		r.Mode = Mode(r.RawMode)
		r.ModeKnown = true
	}
	for i := range r.Channels {
		lo := frame[offsetChannels+2*i]
		hi := frame[offsetChannels+2*i+1]
		r.Channels[i] = uint16(hi)<<8 | uint16(lo)
	}
	return r, nil
}

// State is the writable portion of the device state.
type State struct {
	Mode     Mode
	LEDOn    bool
	Channels [ChannelCount]uint16
}

// EncodeState builds the set-state command for s. Channel values are only
// sent in manual mode; other modes carry zeros, mirroring how reports look.
func EncodeState(s State) []byte {
	cmd := make([]byte, MinReportLen)
	cmd[0] = CommandPrefix
	cmd[1] = CommandSetState
	cmd[offsetMode] = byte(s.Mode)
	if s.LEDOn {
		cmd[offsetLED] = 0x01
	}
	cmd[offsetReserved] = 0x00
	if s.Mode == ModeManual {
		for i, v := range s.Channels {
			cmd[offsetChannels+2*i] = byte(v)
			cmd[offsetChannels+2*i+1] = byte(v >> 8)
		}
	}
	return cmd
}

// Hex formats b as space-separated hex pairs for debug logs.
func Hex(b []byte) string {
	var sb strings.Builder
	for i, x := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", x)
	}
	return sb.String()
}
