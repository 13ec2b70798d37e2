// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"unsafe"

	"github.com/KOBA789/keyboard-from-scratch/bits"
	"github.com/KOBA789/keyboard-from-scratch/internal/reg"
)

// Endpoint register write behavior per field class, as implemented by the
// peripheral: plain read/write, toggle on 1, clear on 0.
const (
	eprRW     = 0xf<<EPR_EA | 0b11<<EPR_EP_TYPE | 1<<EPR_EP_KIND
	eprToggle = 0b11<<EPR_STAT_RX | 0b11<<EPR_STAT_TX | 1<<EPR_DTOG_RX | 1<<EPR_DTOG_TX
	eprRC     = 1<<EPR_CTR_RX | 1<<EPR_CTR_TX
)

// hostSim models the device controller register write behavior and the host
// side of the bus, backing the register block and packet memory with plain
// memory so full control transfers can run under test.
type hostSim struct {
	t  *testing.T
	hw *USB

	regs []uint32
	pma  []uint32
}

func newSim(t *testing.T) *hostSim {
	t.Helper()

	s := &hostSim{
		t:    t,
		regs: make([]uint32, 32),
		pma:  make([]uint32, PMA_SIZE/2),
	}

	s.hw = &USB{
		Base:   uintptr(unsafe.Pointer(&s.regs[0])),
		PMA:    uintptr(unsafe.Pointer(&s.pma[0])),
		Device: testDevice(t),
	}

	prev := eprStore
	eprStore = s.eprStore
	t.Cleanup(func() { eprStore = prev })

	s.hw.Init()

	return s
}

// eprStore applies the peripheral write semantics of an endpoint register.
func (s *hostSim) eprStore(addr uintptr, w uint32) {
	cur := reg.Read(addr)

	v := (w & eprRW) | ((cur ^ w) & eprToggle) | (cur & w & eprRC)

	// SETUP is read-only and only valid while CTR_RX is set
	if v&(1<<EPR_CTR_RX) != 0 {
		v |= cur & (1 << EPR_SETUP)
	}

	reg.Write(addr, v)
}

// setup delivers an 8 byte SETUP packet on endpoint 0 and lets the driver
// service it.
func (s *hostSim) setup(req SetupData) {
	s.t.Helper()

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &req)

	bt := s.hw.btableEntry(0)
	s.hw.copyToPMA(bt.rxAddr(), buf.Bytes())
	reg.Write16(bt.base+BTABLE_RX_COUNT, uint16(buf.Len()))

	epr := reg.Read(s.hw.epr(0))
	bits.SetN(&epr, EPR_STAT_RX, 0b11, NAK)
	bits.Set(&epr, EPR_CTR_RX)
	bits.Set(&epr, EPR_SETUP)
	reg.Write(s.hw.epr(0), epr)

	reg.Write(s.hw.istr, 1<<ISTR_CTR|1<<ISTR_DIR|0)
	s.hw.Poll()
}

// in retrieves a single IN packet from an endpoint, reporting false on NAK.
func (s *hostSim) in(n int) ([]byte, bool) {
	epr := reg.Read(s.hw.epr(n))

	if bits.GetN(&epr, EPR_STAT_TX, 0b11) != VALID {
		return nil, false
	}

	bt := s.hw.btableEntry(n)
	buf := make([]byte, bt.txCount())
	s.hw.copyFromPMA(buf, bt.txAddr())

	bits.SetN(&epr, EPR_STAT_TX, 0b11, NAK)
	bits.Set(&epr, EPR_CTR_TX)
	reg.Write(s.hw.epr(n), epr)

	reg.Write(s.hw.istr, 1<<ISTR_CTR|uint32(n))
	s.hw.Poll()

	return buf, true
}

// dataIn drains an IN data stage up to wLength, returning the individual
// packets observed on the bus.
func (s *hostSim) dataIn(wLength int) (packets [][]byte) {
	s.t.Helper()

	max := int(s.hw.Device.Descriptor.MaxPacketSize)
	total := 0

	for {
		p, ok := s.in(0)

		if !ok {
			s.t.Fatal("endpoint 0 NAK during data stage")
		}

		packets = append(packets, p)
		total += len(p)

		if len(p) < max || total == wLength {
			return
		}
	}
}

// statusOut completes a control read transfer with a zero length OUT.
func (s *hostSim) statusOut() {
	s.t.Helper()

	epr := reg.Read(s.hw.epr(0))

	if bits.GetN(&epr, EPR_STAT_RX, 0b11) != VALID {
		s.t.Fatal("endpoint 0 not armed for status stage")
	}

	bt := s.hw.btableEntry(0)
	reg.Write16(bt.base+BTABLE_RX_COUNT, 0)

	bits.SetN(&epr, EPR_STAT_RX, 0b11, NAK)
	bits.Set(&epr, EPR_CTR_RX)
	reg.Write(s.hw.epr(0), epr)

	reg.Write(s.hw.istr, 1<<ISTR_CTR|1<<ISTR_DIR|0)
	s.hw.Poll()
}

// statusIn completes a no-data request by retrieving its zero length IN.
func (s *hostSim) statusIn() {
	s.t.Helper()

	p, ok := s.in(0)

	if !ok {
		s.t.Fatal("endpoint 0 NAK during status stage")
	}

	if len(p) != 0 {
		s.t.Fatalf("status stage packet has %d bytes", len(p))
	}
}

// controlIn runs a complete IN control transfer, returning the reassembled
// data stage.
func (s *hostSim) controlIn(requestType uint8, request uint8, value uint16, index uint16, length uint16) []byte {
	s.t.Helper()

	s.setup(SetupData{requestType, request, value, index, length})

	if s.stalled() {
		s.t.Fatalf("request %#x stalled", request)
	}

	var data []byte

	for _, p := range s.dataIn(int(length)) {
		data = append(data, p...)
	}

	s.statusOut()

	return data
}

// stalled reports whether endpoint 0 answers IN with a STALL handshake.
func (s *hostSim) stalled() bool {
	epr := reg.Read(s.hw.epr(0))
	return bits.GetN(&epr, EPR_STAT_TX, 0b11) == STALL
}

// reset raises a bus reset event.
func (s *hostSim) reset() {
	reg.Write(s.hw.istr, 1<<ISTR_RESET)
	s.hw.Poll()
}

// daddr returns the device address register value.
func (s *hostSim) daddr() uint32 {
	return reg.Read(s.hw.daddr)
}

// testReportDescriptor is the boot keyboard report descriptor served by the
// KB789 function.
var testReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x06, 0xa1, 0x01, 0x05, 0x07,
	0x19, 0xe0, 0x29, 0xe7, 0x15, 0x00, 0x25, 0x01,
	0x75, 0x01, 0x95, 0x08, 0x81, 0x02, 0x95, 0x01,
	0x75, 0x08, 0x81, 0x01, 0x95, 0x06, 0x75, 0x01,
	0x05, 0x08, 0x19, 0x01, 0x29, 0x05, 0x91, 0x02,
	0x95, 0x01, 0x75, 0x03, 0x91, 0x01, 0x95, 0x06,
	0x75, 0x08, 0x15, 0x00, 0x25, 0x65, 0x05, 0x07,
	0x19, 0x00, 0x29, 0x65, 0x81, 0x00, 0xc0,
}

// testDevice builds the KB789 identity, plus two extra string descriptors
// sized to exercise multi packet data stages: index 4 spans two packets
// (122 bytes), index 5 is exactly one maximum packet (64 bytes).
func testDevice(t *testing.T) *Device {
	t.Helper()

	device := &Device{}

	d := &DeviceDescriptor{}
	d.SetDefaults()
	d.VendorId = 0x0483
	d.ProductId = 0x5710
	d.Device = 0x0200
	device.Descriptor = d

	if err := device.SetLanguageCodes([]uint16{0x0409}); err != nil {
		t.Fatal(err)
	}

	mustAddString := func(s string) uint8 {
		i, err := device.AddString(s)

		if err != nil {
			t.Fatal(err)
		}

		return i
	}

	d.Manufacturer = mustAddString("KOBA789")
	d.Product = mustAddString("KB789 MK-C")
	d.SerialNumber = mustAddString("789")

	conf := &ConfigurationDescriptor{}
	conf.SetDefaults()
	conf.Attributes = 0xc0

	iface := &InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceClass = 3
	iface.InterfaceSubClass = 1
	iface.InterfaceProtocol = 1

	hid := &HIDDescriptor{}
	hid.SetDefaults()
	hid.ReportDescriptorLength = uint16(len(testReportDescriptor))
	iface.ClassDescriptors = append(iface.ClassDescriptors, hid.Bytes())

	ep1 := &EndpointDescriptor{}
	ep1.SetDefaults()
	ep1.Attributes = INTERRUPT
	ep1.MaxPacketSize = 8
	ep1.Interval = 10
	iface.Endpoints = append(iface.Endpoints, ep1)

	conf.AddInterface(iface)

	if err := device.AddConfiguration(conf); err != nil {
		t.Fatal(err)
	}

	device.Report = testReportDescriptor

	mustAddString(strings.Repeat("x", 60))
	mustAddString(strings.Repeat("y", 31))

	return device
}
