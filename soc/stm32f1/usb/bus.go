// STM32F103 USB full-speed device controller driver
// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usb implements a driver for the USB 2.0 full-speed device
// controller included in STM32F1 series microcontrollers, adopting the
// following specifications:
//   - RM0008  - STM32F101xx/102xx/103xx/105xx/107xx Reference Manual - Rev 21
//   - USB2.0  - USB Specification Revision 2.0
//
// The controller owns a 512 byte dual-ported packet memory (PMA) holding the
// buffer descriptor table and every endpoint buffer; the application side
// sees each 16-bit packet memory cell on a 32-bit stride.
//
// The driver is poll based: the top loop calls Poll() which drains one
// interrupt status event per pass. No interrupt service routines are
// required.
package usb

import (
	"sync"

	"github.com/KOBA789/keyboard-from-scratch/bits"
	"github.com/KOBA789/keyboard-from-scratch/internal/reg"
)

// USB registers
// (p625, 23.5 USB registers, RM0008)
const (
	USB_EPxR = 0x00

	USB_CNTR    = 0x40
	CNTR_CTRM   = 15
	CNTR_RESETM = 10
	CNTR_FSUSP  = 3
	CNTR_LPMODE = 2
	CNTR_PDWN   = 1
	CNTR_FRES   = 0

	USB_ISTR   = 0x44
	ISTR_CTR   = 15
	ISTR_RESET = 10
	ISTR_DIR   = 4
	ISTR_EP_ID = 0

	USB_FNR = 0x48

	USB_DADDR = 0x4c
	DADDR_EF  = 7
	DADDR_ADD = 0

	USB_BTABLE = 0x50
)

// USB represents a USB device controller instance.
type USB struct {
	sync.Mutex

	// Base register
	Base uintptr
	// Packet memory base
	PMA uintptr

	// USB device configuration
	Device *Device

	// control registers
	cntr   uintptr
	istr   uintptr
	daddr  uintptr
	btable uintptr

	// packet memory allocation cursor
	pmTop uint16

	// control pipe
	ctrlState controlState
	ctrlBuf   [CTRL_BUF_SIZE]byte
	ctrlLen   int
	ctrlPos   int
	ctrlReq   SetupData

	// deferred device address, -1 when none
	pendingAddr int
}

// Init initializes the USB controller in device mode, taking ownership of
// the register block and packet memory for the lifetime of the instance.
// The clock tree must provide a stable 48 MHz USB clock beforehand.
func (hw *USB) Init() {
	hw.Lock()
	defer hw.Unlock()

	if hw.Base == 0 || hw.PMA == 0 || hw.Device == nil || hw.Device.Descriptor == nil {
		panic("invalid USB controller instance")
	}

	hw.cntr = hw.Base + USB_CNTR
	hw.istr = hw.Base + USB_ISTR
	hw.daddr = hw.Base + USB_DADDR
	hw.btable = hw.Base + USB_BTABLE

	hw.zeroPMA()

	// buffer descriptor table at the start of packet memory
	reg.Write(hw.btable, 0)

	hw.reset()

	// exit power down, enable reset and correct transfer events
	reg.Write(hw.cntr, (1<<CNTR_RESETM)|(1<<CNTR_CTRM))
	// release force reset
	reg.Clear(hw.cntr, CNTR_FRES)
}

// reset restores the controller to its post bus reset state: default
// address, fresh packet memory allocation and a re-armed control endpoint.
func (hw *USB) reset() {
	reg.Write(hw.istr, 0)

	hw.pmTop = BTABLE_SIZE
	hw.ctrlState = ctrlIdle
	hw.pendingAddr = -1
	hw.Device.ConfigurationValue = 0

	hw.endpointSetup(0, CONTROL, uint16(hw.Device.Descriptor.MaxPacketSize))
	hw.setAddress(0)
}

// setAddress commits a device address to the address register.
func (hw *USB) setAddress(addr uint8) {
	reg.Write(hw.daddr, (1<<DADDR_EF)|uint32(addr&0x7f))
}

// Poll services one pending controller event, demultiplexing correct
// transfer events to the affected endpoint and direction. It never blocks
// and is meant to be invoked from the application top loop.
func (hw *USB) Poll() {
	hw.Lock()
	defer hw.Unlock()

	istr := reg.Read(hw.istr)

	if bits.Get(&istr, ISTR_RESET) {
		hw.reset()
		return
	}

	if !bits.Get(&istr, ISTR_CTR) {
		return
	}

	n := int(bits.GetN(&istr, ISTR_EP_ID, 0xf))

	if bits.Get(&istr, ISTR_DIR) {
		// OUT or SETUP transaction
		if n == 0 {
			hw.ctrlHandleOut()
		} else {
			hw.clearCtrRx(n)
		}
	} else {
		// IN transaction
		hw.clearCtrTx(n)

		if n == 0 {
			hw.ctrlHandleIn()
		}
		// EP1-N IN completions require no action, transmission is
		// initiated by the endpoint owner through WritePacket.
	}
}
