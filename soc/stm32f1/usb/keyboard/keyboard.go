// USB HID boot keyboard function
// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package keyboard implements a USB HID boot keyboard function on top of
// the STM32F1 USB device controller driver.
//
// The function owns the composite configuration descriptor set and the
// interrupt IN endpoint carrying input reports. Reports are single packet:
// a caller supplies a filled 8 byte boot report and SendKeys either ships
// it or reports the endpoint busy, there is no transmission queue.
package keyboard

import (
	"fmt"

	"github.com/KOBA789/keyboard-from-scratch/soc/stm32f1/usb"
)

// Keyboard function constants
const (
	// interrupt IN endpoint carrying input reports
	REPORT_EP = 0x81
	// boot protocol input report size
	REPORT_LENGTH = 8
	// polling interval in milliseconds
	REPORT_INTERVAL = 10
)

// HID interface identity (p18, Section 4.2, Device Class Definition for
// HID 1.11)
const (
	CLASS_HID         = 3
	SUBCLASS_BOOT     = 1
	PROTOCOL_KEYBOARD = 1
)

// reportDescriptor is the boot keyboard report layout: 8 modifier bits, one
// reserved byte, 5 LED output bits plus 3 bits of padding, 6 key code
// bytes.
var reportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x06, 0xa1, 0x01, 0x05, 0x07,
	0x19, 0xe0, 0x29, 0xe7, 0x15, 0x00, 0x25, 0x01,
	0x75, 0x01, 0x95, 0x08, 0x81, 0x02, 0x95, 0x01,
	0x75, 0x08, 0x81, 0x01, 0x95, 0x06, 0x75, 0x01,
	0x05, 0x08, 0x19, 0x01, 0x29, 0x05, 0x91, 0x02,
	0x95, 0x01, 0x75, 0x03, 0x91, 0x01, 0x95, 0x06,
	0x75, 0x08, 0x15, 0x00, 0x25, 0x65, 0x05, 0x07,
	0x19, 0x00, 0x29, 0x65, 0x81, 0x00, 0xc0,
}

// Keyboard represents a HID boot keyboard function instance.
type Keyboard struct {
	// Device is the USB device bound to the function.
	Device *usb.Device

	hw *usb.USB
}

// Init builds the keyboard descriptor set and binds it to a USB device
// controller instance, which must not be started yet.
func (kbd *Keyboard) Init(hw *usb.USB) (err error) {
	device := &usb.Device{}

	deviceDescriptor(device)

	if err = deviceStrings(device); err != nil {
		return
	}

	if err = device.AddConfiguration(configurationDescriptor()); err != nil {
		return
	}

	device.Report = reportDescriptor

	kbd.Device = device
	kbd.hw = hw
	hw.Device = device

	return
}

// SendKeys ships a single 8 byte boot input report, returning usb.ErrBusy
// while the previous report has not been retrieved by the host. Callers may
// drop the report or retry.
func (kbd *Keyboard) SendKeys(buf []byte) error {
	if len(buf) != REPORT_LENGTH {
		return fmt.Errorf("invalid report length %d", len(buf))
	}

	if kbd.Device.ConfigurationValue == 0 {
		// the report endpoint is not armed before configuration
		return usb.ErrBusy
	}

	return kbd.hw.WritePacket(REPORT_EP, buf)
}

func deviceDescriptor(device *usb.Device) {
	d := &usb.DeviceDescriptor{}
	d.SetDefaults()

	d.VendorId = 0x0483
	d.ProductId = 0x5710
	d.Device = 0x0200

	device.Descriptor = d
}

func deviceStrings(device *usb.Device) (err error) {
	// US English
	if err = device.SetLanguageCodes([]uint16{0x0409}); err != nil {
		return
	}

	d := device.Descriptor

	if d.Manufacturer, err = device.AddString("KOBA789"); err != nil {
		return
	}

	if d.Product, err = device.AddString("KB789 MK-C"); err != nil {
		return
	}

	if d.SerialNumber, err = device.AddString("789"); err != nil {
		return
	}

	return
}

func configurationDescriptor() *usb.ConfigurationDescriptor {
	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()
	// bus powered, remote wakeup
	conf.Attributes = 0xc0

	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceClass = CLASS_HID
	iface.InterfaceSubClass = SUBCLASS_BOOT
	iface.InterfaceProtocol = PROTOCOL_KEYBOARD

	hid := &usb.HIDDescriptor{}
	hid.SetDefaults()
	hid.ReportDescriptorLength = uint16(len(reportDescriptor))
	iface.ClassDescriptors = append(iface.ClassDescriptors, hid.Bytes())

	ep1 := &usb.EndpointDescriptor{}
	ep1.SetDefaults()
	ep1.EndpointAddress = REPORT_EP
	ep1.Attributes = usb.INTERRUPT
	ep1.MaxPacketSize = REPORT_LENGTH
	ep1.Interval = REPORT_INTERVAL
	iface.Endpoints = append(iface.Endpoints, ep1)

	conf.AddInterface(iface)

	return conf
}
