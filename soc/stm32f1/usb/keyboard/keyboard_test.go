// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package keyboard

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/KOBA789/keyboard-from-scratch/soc/stm32f1/usb"
)

func TestDeviceIdentity(t *testing.T) {
	kbd := &Keyboard{}

	if err := kbd.Init(&usb.USB{}); err != nil {
		t.Fatal(err)
	}

	device := kbd.Device

	expected := []byte{
		0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x40,
		0x83, 0x04, 0x10, 0x57, 0x00, 0x02, 0x01, 0x02,
		0x03, 0x01,
	}

	if buf := device.Descriptor.Bytes(); !bytes.Equal(buf, expected) {
		t.Errorf("device descriptor %x, expected %x", buf, expected)
	}

	conf, err := device.Configuration(0)

	if err != nil {
		t.Fatal(err)
	}

	expected = []byte{
		// configuration
		0x09, 0x02, 0x22, 0x00, 0x01, 0x01, 0x00, 0xc0, 0x32,
		// interface
		0x09, 0x04, 0x00, 0x00, 0x01, 0x03, 0x01, 0x01, 0x00,
		// HID function
		0x09, 0x21, 0x01, 0x01, 0x00, 0x01, 0x22, 0x3f, 0x00,
		// endpoint
		0x07, 0x05, 0x81, 0x03, 0x08, 0x00, 0x0a,
	}

	if !bytes.Equal(conf, expected) {
		t.Errorf("composite configuration %x, expected %x", conf, expected)
	}

	product := []byte{
		0x16, 0x03,
		'K', 0, 'B', 0, '7', 0, '8', 0, '9', 0, ' ', 0,
		'M', 0, 'K', 0, '-', 0, 'C', 0,
	}

	if !bytes.Equal(device.Strings[2], product) {
		t.Errorf("product string %x, expected %x", device.Strings[2], product)
	}

	if len(device.Report) != 63 {
		t.Errorf("report descriptor is %d bytes", len(device.Report))
	}
}

func TestSendKeysLength(t *testing.T) {
	kbd := &Keyboard{}

	if err := kbd.Init(&usb.USB{}); err != nil {
		t.Fatal(err)
	}

	if err := kbd.SendKeys([]byte{0, 0, 0x04}); err == nil {
		t.Error("expected error for a short report")
	}
}

func TestSendKeysBusy(t *testing.T) {
	regs := make([]uint32, 32)
	pma := make([]uint32, 256)

	hw := &usb.USB{
		Base: uintptr(unsafe.Pointer(&regs[0])),
		PMA:  uintptr(unsafe.Pointer(&pma[0])),
	}

	kbd := &Keyboard{}

	if err := kbd.Init(hw); err != nil {
		t.Fatal(err)
	}

	report := []byte{0, 0, 0x04, 0, 0, 0, 0, 0}

	// reports are dropped until the host selects a configuration
	if err := kbd.SendKeys(report); !errors.Is(err, usb.ErrBusy) {
		t.Fatalf("expected usb.ErrBusy before configuration, got %v", err)
	}

	kbd.Device.ConfigurationValue = 1

	if err := kbd.SendKeys(report); err != nil {
		t.Fatal(err)
	}

	// the first report is still staged for retrieval
	if err := kbd.SendKeys(report); !errors.Is(err, usb.ErrBusy) {
		t.Errorf("expected usb.ErrBusy, got %v", err)
	}
}
