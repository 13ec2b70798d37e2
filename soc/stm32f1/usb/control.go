// USB control pipe support
// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"encoding/binary"
	"log"

	"github.com/KOBA789/keyboard-from-scratch/bits"
	"github.com/KOBA789/keyboard-from-scratch/internal/reg"
)

// Format of Setup Data (p276, Table 9-2, USB2.0)
const (
	REQUEST_TYPE_DIR = 7
)

// Standard request codes (p279, Table 9-4, USB2.0)
const (
	GET_STATUS        = 0
	CLEAR_FEATURE     = 1
	SET_FEATURE       = 3
	SET_ADDRESS       = 5
	GET_DESCRIPTOR    = 6
	SET_DESCRIPTOR    = 7
	GET_CONFIGURATION = 8
	SET_CONFIGURATION = 9
	GET_INTERFACE     = 10
	SET_INTERFACE     = 11
	SYNCH_FRAME       = 12
)

// SetupData implements
// p276, Table 9-2. Format of Setup Data, USB2.0.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// direction returns the data stage direction of the request.
func (s *SetupData) direction() int {
	return int(s.RequestType>>REQUEST_TYPE_DIR) & 1
}

// control pipe scratch buffer size, large enough for the longest staged
// descriptor (a 255 byte string descriptor is the wire format ceiling)
const CTRL_BUF_SIZE = 256

// controlState tracks the control transfer stage machine on endpoint 0.
// Each state exclusively owns the scratch buffer, the cursor position and
// staged length fields are only meaningful in the data stages.
type controlState int

const (
	ctrlIdle controlState = iota
	ctrlStalled
	ctrlDataIn
	ctrlLastDataIn
	ctrlStatusIn
	ctrlDataOut
	ctrlLastDataOut
	ctrlStatusOut
)

// ctrlStall aborts the current transfer, the pipe is re-entered only by the
// next SETUP packet.
func (hw *USB) ctrlStall() {
	hw.stall(0)
	hw.ctrlState = ctrlStalled
}

// ctrlHandleOut services a correct reception event on endpoint 0.
func (hw *USB) ctrlHandleOut() {
	epr := reg.Read(hw.epr(0))

	if bits.Get(&epr, EPR_SETUP) {
		hw.ctrlHandleSetup()
		return
	}

	switch hw.ctrlState {
	case ctrlStatusOut:
		// zero length status handshake
		hw.readPacket(0, nil)
		hw.ctrlState = ctrlIdle
	default:
		hw.ctrlStall()
	}
}

// ctrlHandleIn services a correct transmission event on endpoint 0.
func (hw *USB) ctrlHandleIn() {
	switch hw.ctrlState {
	case ctrlDataIn:
		hw.ctrlSendChunk()
	case ctrlLastDataIn:
		// arm reception for the zero length status stage
		hw.setStatRx(0, VALID)
		hw.ctrlState = ctrlStatusOut
	case ctrlStatusIn:
		if hw.pendingAddr >= 0 {
			// a new device address takes effect only once the
			// status stage completes
			hw.setAddress(uint8(hw.pendingAddr))
			hw.pendingAddr = -1
		}

		hw.ctrlState = ctrlIdle
	default:
		hw.ctrlStall()
	}
}

// ctrlHandleSetup reads a SETUP packet and enters the matching transfer
// path. A short or unparsable packet stalls the pipe.
func (hw *USB) ctrlHandleSetup() {
	var buf [8]byte

	n, err := hw.readPacket(0, buf[:])

	if err != nil || n != len(buf) {
		hw.ctrlStall()
		return
	}

	if err := binary.Read(bytes.NewReader(buf[:]), binary.LittleEndian, &hw.ctrlReq); err != nil {
		hw.ctrlStall()
		return
	}

	// discard any transmission left armed by an aborted transfer
	hw.setStatTx(0, NAK)

	if hw.ctrlReq.Length == 0 || hw.ctrlReq.direction() == IN {
		hw.ctrlSetupRead()
	} else {
		hw.ctrlSetupWrite()
	}
}

// ctrlSetupRead dispatches a request with an IN (or absent) data stage,
// staging the response in the scratch buffer.
func (hw *USB) ctrlSetupRead() {
	hw.ctrlLen = 0
	hw.ctrlPos = 0

	if !hw.ctrlHandleRequest() {
		log.Printf("usb: unsupported request %#x", hw.ctrlReq.Request)
		hw.ctrlStall()
		return
	}

	if hw.ctrlReq.Length == 0 {
		// zero length handshake
		if err := hw.writePacket(0, nil); err != nil {
			panic(err)
		}

		hw.ctrlState = ctrlStatusIn
		return
	}

	hw.ctrlSendChunk()
}

// ctrlSetupWrite would drive an OUT data stage, which no supported request
// carries.
func (hw *USB) ctrlSetupWrite() {
	log.Printf("usb: unsupported request %#x with OUT data stage", hw.ctrlReq.Request)
	hw.ctrlStall()
}

// ctrlSendChunk ships the next data stage packet from the staging cursor.
// The transfer ends on the first short chunk; a transfer cut exactly at
// wLength ends without one.
func (hw *USB) ctrlSendChunk() {
	max := int(hw.Device.Descriptor.MaxPacketSize)

	chunk := hw.ctrlLen - hw.ctrlPos
	if chunk > max {
		chunk = max
	}

	if err := hw.writePacket(0, hw.ctrlBuf[hw.ctrlPos:hw.ctrlPos+chunk]); err != nil {
		panic(err)
	}

	hw.ctrlPos += chunk

	if chunk < max || hw.ctrlPos == int(hw.ctrlReq.Length) {
		hw.ctrlState = ctrlLastDataIn
	} else {
		hw.ctrlState = ctrlDataIn
	}
}

// ctrlHandleRequest dispatches the standard request set, reporting whether
// the request is supported.
func (hw *USB) ctrlHandleRequest() bool {
	switch hw.ctrlReq.Request {
	case SET_ADDRESS:
		hw.pendingAddr = int(hw.ctrlReq.Value & 0x7f)
		return true
	case GET_DESCRIPTOR:
		return hw.getDescriptor()
	case SET_CONFIGURATION:
		return hw.setConfiguration()
	}

	return false
}

// getDescriptor stages the requested descriptor, truncated to wLength.
func (hw *USB) getDescriptor() bool {
	bDescriptorType := hw.ctrlReq.Value >> 8
	index := hw.ctrlReq.Value & 0xff

	var buf []byte

	switch bDescriptorType {
	case DEVICE:
		buf = hw.Device.Descriptor.Bytes()
	case CONFIGURATION:
		conf, err := hw.Device.Configuration(index)

		if err != nil {
			return false
		}

		buf = conf
	case STRING:
		if int(index) >= len(hw.Device.Strings) {
			return false
		}

		buf = hw.Device.Strings[index]
	case HID_REPORT:
		if hw.Device.Report == nil {
			return false
		}

		buf = hw.Device.Report
	default:
		return false
	}

	hw.ctrlLen = copy(hw.ctrlBuf[:], trim(buf, hw.ctrlReq.Length))
	hw.ctrlPos = 0

	return true
}

// setConfiguration selects a configuration and arms every endpoint it
// declares.
func (hw *USB) setConfiguration() bool {
	value := uint8(hw.ctrlReq.Value & 0xff)

	if value == 0 {
		hw.Device.ConfigurationValue = 0
		return true
	}

	if int(value) > len(hw.Device.Configurations) {
		return false
	}

	conf := hw.Device.Configurations[value-1]

	for _, iface := range conf.Interfaces {
		for _, ep := range iface.Endpoints {
			hw.endpointSetup(EndpointAddress(ep.EndpointAddress), ep.TransferType(), ep.MaxPacketSize)
		}
	}

	hw.Device.ConfigurationValue = value

	return true
}

func trim(buf []byte, wLength uint16) []byte {
	if int(wLength) < len(buf) {
		buf = buf[0:wLength]
	}

	return buf
}
