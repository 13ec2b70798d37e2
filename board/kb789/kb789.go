// KB789 MK-C board support
// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package kb789 provides hardware initialization and pin wiring for the
// KB789 MK-C keyboard, built around an STM32F103 microcontroller.
package kb789

import (
	"github.com/KOBA789/keyboard-from-scratch/soc/stm32f1/gpio"
	"github.com/KOBA789/keyboard-from-scratch/soc/stm32f1/rcc"
	"github.com/KOBA789/keyboard-from-scratch/soc/stm32f1/usb"
)

// Peripheral instances
var (
	RCC = &rcc.RCC{
		Base:  0x40021000,
		Flash: 0x40022000,
	}

	GPIOA = &gpio.GPIO{Base: 0x40010800}
	GPIOB = &gpio.GPIO{Base: 0x40010c00}
	GPIOC = &gpio.GPIO{Base: 0x40011000}

	USB = &usb.USB{
		Base: 0x40005c00,
		PMA:  0x40006000,
	}
)

// Pin assignment constants
//
// On the KB789 MK-C the following signals are wired:
//   - PA8:  status LED
//   - PA12: USB DP, driven low before enumeration to force re-detection
//   - PB5, PB6, PB7: switch sense inputs (pull-down)
//   - PB11: switch strobe output
//   - PC13: activity LED (open drain)
const (
	LED_STATUS = 8
	USB_DP     = 12

	SW_1 = 5
	SW_2 = 6
	SW_3 = 7

	SW_STROBE = 11

	LED_ACT = 13
)

// key codes reported per sense input, boot protocol usage page 0x07
var keyCodes = [3]byte{0x04, 0x05, 0x06}

var (
	status *gpio.Pin
	act    *gpio.Pin
	dp     *gpio.Pin

	strobe *gpio.Pin
	sense  [3]*gpio.Pin
)

// Init brings the board to its operating state: clock tree at 72 MHz with
// the USB clock at 48 MHz, pins configured, and the bus disconnect pulse
// issued so the host re-detects the device on firmware restart. The USB
// controller itself is left for the application to start once a device
// configuration is bound to it.
func Init() {
	RCC.Init()

	RCC.EnableGPIO(rcc.IOPA)
	RCC.EnableGPIO(rcc.IOPB)
	RCC.EnableGPIO(rcc.IOPC)
	RCC.EnableUSB()

	status = mustPin(GPIOA, LED_STATUS)
	status.Out()
	status.Low()

	act = mustPin(GPIOC, LED_ACT)
	act.Mode(gpio.MODE_OUTPUT_2MHZ, gpio.CNF_OUTPUT_OPENDRAIN)

	strobe = mustPin(GPIOB, SW_STROBE)
	strobe.Out()
	strobe.High()

	for i, num := range []int{SW_1, SW_2, SW_3} {
		sense[i] = mustPin(GPIOB, num)
		sense[i].In()
		// pull-down, the strobe drives sensed switches high
		sense[i].Low()
	}

	disconnect()
}

// LED switches the status LED.
func LED(on bool) {
	if on {
		status.High()
	} else {
		status.Low()
	}
}

// Keys scans the switch matrix and returns the corresponding boot protocol
// input report.
func Keys() (buf [8]byte) {
	slot := 2

	for i, pin := range sense {
		if pin.Value() {
			buf[slot] = keyCodes[i]
			slot++
		}
	}

	return
}

// disconnect drives USB DP low long enough for the host to register a
// detach, so that a firmware restart always triggers re-enumeration.
func disconnect() {
	dp = mustPin(GPIOA, USB_DP)
	dp.Mode(gpio.MODE_OUTPUT_50MHZ, gpio.CNF_OUTPUT_PUSHPULL)
	dp.Low()

	for i := 0; i < 80000; i++ {
		dp.Value()
	}
}

func mustPin(hw *gpio.GPIO, num int) *gpio.Pin {
	pin, err := hw.Init(num)

	if err != nil {
		panic(err)
	}

	return pin
}
