// USB HID class descriptor support
// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"encoding/binary"
)

// HID descriptor types
// (p49, Section 7.1, Device Class Definition for HID 1.11)
const (
	HID        = 0x21
	HID_REPORT = 0x22

	HID_LENGTH = 9
)

// HIDDescriptor implements
// p22, Section 6.2.1 HID Descriptor, Device Class Definition for HID 1.11.
type HIDDescriptor struct {
	Length                 uint8
	DescriptorType         uint8
	bcdHID                 uint16
	CountryCode            uint8
	NumDescriptors         uint8
	ReportDescriptorType   uint8
	ReportDescriptorLength uint16
}

// SetDefaults initializes default values for the USB HID descriptor.
func (d *HIDDescriptor) SetDefaults() {
	d.Length = HID_LENGTH
	d.DescriptorType = HID
	d.bcdHID = 0x0101
	// at least one, for the report descriptor
	d.NumDescriptors = 1
	d.ReportDescriptorType = HID_REPORT
}

// Bytes converts the descriptor structure to byte array format.
func (d *HIDDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}
