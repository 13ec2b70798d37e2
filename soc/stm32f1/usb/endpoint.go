// STM32F103 USB endpoint support
// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"errors"

	"github.com/KOBA789/keyboard-from-scratch/bits"
	"github.com/KOBA789/keyboard-from-scratch/internal/reg"
)

// Endpoint constants
const (
	// The device controller hardware supports up to 8 endpoint numbers.
	MAX_ENDPOINTS = 8

	// Host -> Device
	OUT = 0
	// Device -> Host
	IN = 1

	// Transfer Type
	BULK        = 0
	CONTROL     = 1
	ISOCHRONOUS = 2
	INTERRUPT   = 3

	// Endpoint Status
	DISABLED = 0
	STALL    = 1
	NAK      = 2
	VALID    = 3
)

// Endpoint register fields
// (p639, 23.5.4 Endpoint-specific registers, RM0008)
const (
	EPR_CTR_RX  = 15
	EPR_DTOG_RX = 14
	EPR_STAT_RX = 12
	EPR_SETUP   = 11
	EPR_EP_TYPE = 9
	EPR_EP_KIND = 8
	EPR_CTR_TX  = 7
	EPR_DTOG_TX = 6
	EPR_STAT_TX = 4
	EPR_EA      = 0
)

// ErrBusy is returned on endpoint writes while the previous packet is still
// awaiting retrieval by the host, the report is to be treated as dropped.
var ErrBusy = errors.New("endpoint busy")

// EndpointAddress represents a USB endpoint address: a 7-bit endpoint
// number plus a direction flag on bit 7.
type EndpointAddress uint8

// Number returns the endpoint number.
func (addr EndpointAddress) Number() int {
	return int(addr & 0x7f)
}

// Direction returns the endpoint direction.
func (addr EndpointAddress) Direction() int {
	return int(addr&0x80) / 0x80
}

// The endpoint registers mix write behaviors per field: EA and EP_TYPE are
// plain read/write, STAT and DTOG fields flip on writing 1 and hold on
// writing 0, CTR flags clear on writing 0 and hold on writing 1. Every
// modification must therefore start from eprInvariant and go through
// eprStore; the register is never written directly.

// eprStore commits a computed endpoint register word. The package tests
// swap it for a model applying the peripheral toggle and clear-on-zero
// write behavior.
var eprStore func(addr uintptr, val uint32) = reg.Write

// epr returns the endpoint register address for an endpoint number.
func (hw *USB) epr(n int) uintptr {
	return hw.Base + USB_EPxR + uintptr(4*n)
}

// eprInvariant derives, from a current register value, a word that leaves
// every toggle field unchanged and every CTR flag preserved when written
// back.
func eprInvariant(cur uint32) uint32 {
	v := cur

	bits.Set(&v, EPR_CTR_RX)
	bits.Set(&v, EPR_CTR_TX)
	bits.Clear(&v, EPR_DTOG_RX)
	bits.Clear(&v, EPR_DTOG_TX)
	bits.SetN(&v, EPR_STAT_RX, 0b11, 0)
	bits.SetN(&v, EPR_STAT_TX, 0b11, 0)

	return v
}

// setAddressType programs the endpoint address and transfer type fields.
func (hw *USB) setAddressType(n int, transferType int) {
	cur := reg.Read(hw.epr(n))
	v := eprInvariant(cur)

	bits.SetN(&v, EPR_EA, 0xf, uint32(n))
	bits.SetN(&v, EPR_EP_TYPE, 0b11, uint32(transferType))

	eprStore(hw.epr(n), v)
}

// setStatTx requests a transmission status, writing the XOR of the current
// and desired field values.
func (hw *USB) setStatTx(n int, stat uint32) {
	cur := reg.Read(hw.epr(n))
	v := eprInvariant(cur)

	bits.SetN(&v, EPR_STAT_TX, 0b11, bits.GetN(&cur, EPR_STAT_TX, 0b11)^stat)

	eprStore(hw.epr(n), v)
}

// setStatRx requests a reception status, writing the XOR of the current and
// desired field values.
func (hw *USB) setStatRx(n int, stat uint32) {
	cur := reg.Read(hw.epr(n))
	v := eprInvariant(cur)

	bits.SetN(&v, EPR_STAT_RX, 0b11, bits.GetN(&cur, EPR_STAT_RX, 0b11)^stat)

	eprStore(hw.epr(n), v)
}

// clearDtogTx resets the transmission data toggle by writing back its
// current value.
func (hw *USB) clearDtogTx(n int) {
	cur := reg.Read(hw.epr(n))
	v := eprInvariant(cur)

	bits.SetTo(&v, EPR_DTOG_TX, bits.Get(&cur, EPR_DTOG_TX))

	eprStore(hw.epr(n), v)
}

// clearDtogRx resets the reception data toggle by writing back its current
// value.
func (hw *USB) clearDtogRx(n int) {
	cur := reg.Read(hw.epr(n))
	v := eprInvariant(cur)

	bits.SetTo(&v, EPR_DTOG_RX, bits.Get(&cur, EPR_DTOG_RX))

	eprStore(hw.epr(n), v)
}

// clearCtrTx acknowledges a correct transmission event.
func (hw *USB) clearCtrTx(n int) {
	cur := reg.Read(hw.epr(n))
	v := eprInvariant(cur)

	bits.Clear(&v, EPR_CTR_TX)

	eprStore(hw.epr(n), v)
}

// clearCtrRx acknowledges a correct reception event.
func (hw *USB) clearCtrRx(n int) {
	cur := reg.Read(hw.epr(n))
	v := eprInvariant(cur)

	bits.Clear(&v, EPR_CTR_RX)

	eprStore(hw.epr(n), v)
}

// endpointSetup programs an endpoint register and allocates its packet
// memory. Control endpoints allocate both directions; transmission starts
// out NAKed, reception armed.
func (hw *USB) endpointSetup(addr EndpointAddress, transferType int, size uint16) {
	n := addr.Number()

	hw.setAddressType(n, transferType)

	if addr.Direction() == IN || transferType == CONTROL {
		bt := hw.btableEntry(n)
		bt.setTxAddr(hw.pmAlloc(size))
		bt.setTxCount(0)

		hw.clearDtogTx(n)
		hw.setStatTx(n, NAK)
	}

	if addr.Direction() == OUT || transferType == CONTROL {
		bt := hw.btableEntry(n)
		bt.setRxAddr(hw.pmTop)

		allocated := bt.setRxBufSize(size)
		hw.pmAlloc(allocated)

		hw.clearDtogRx(n)
		hw.setStatRx(n, VALID)
	}
}

// writePacket stages a single packet for transmission on an IN endpoint.
func (hw *USB) writePacket(addr EndpointAddress, buf []byte) error {
	n := addr.Number()
	cur := reg.Read(hw.epr(n))

	if bits.GetN(&cur, EPR_STAT_TX, 0b11) == VALID {
		// the host has not yet retrieved the previous packet
		return ErrBusy
	}

	bt := hw.btableEntry(n)
	hw.copyToPMA(bt.txAddr(), buf)
	bt.setTxCount(uint16(len(buf)))

	hw.setStatTx(n, VALID)

	return nil
}

// WritePacket stages a single packet for transmission on an IN endpoint,
// returning ErrBusy while the previous packet is still pending retrieval.
func (hw *USB) WritePacket(addr EndpointAddress, buf []byte) error {
	hw.Lock()
	defer hw.Unlock()

	return hw.writePacket(addr, buf)
}

// readPacket drains the received packet of an OUT endpoint into buf,
// truncating to the buffer size, and re-arms reception.
func (hw *USB) readPacket(addr EndpointAddress, buf []byte) (n int, err error) {
	num := addr.Number()
	cur := reg.Read(hw.epr(num))

	if bits.GetN(&cur, EPR_STAT_RX, 0b11) == VALID {
		// reception still armed, nothing received
		return 0, ErrBusy
	}

	bt := hw.btableEntry(num)

	n = int(bt.rxCount())
	if n > len(buf) {
		n = len(buf)
	}

	hw.copyFromPMA(buf[0:n], bt.rxAddr())

	hw.clearCtrRx(num)
	hw.setStatRx(num, VALID)

	return
}

// stall forces the endpoint to answer with a STALL handshake for the
// matching direction; on endpoint 0 transmission is stalled regardless, as
// control pipes stall both stages.
func (hw *USB) stall(addr EndpointAddress) {
	n := addr.Number()

	if n == 0 {
		hw.setStatTx(n, STALL)

		if addr.Direction() == OUT {
			hw.setStatRx(n, STALL)
		}

		return
	}

	if addr.Direction() == IN {
		hw.setStatTx(n, STALL)
	} else {
		hw.setStatRx(n, STALL)
	}
}
