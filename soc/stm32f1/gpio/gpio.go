// STM32F103 GPIO support
// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package gpio implements helpers for GPIO configuration on STM32F1 series
// microcontrollers. Each pin carries a 4-bit configuration nibble (MODE +
// CNF) in the port configuration registers; pulled inputs select pull-up or
// pull-down through the output data register.
package gpio

import (
	"errors"
	"fmt"

	"github.com/KOBA789/keyboard-from-scratch/internal/reg"
)

// GPIO registers
// (p171, 9.2 GPIO registers, RM0008)
const (
	GPIO_CRL = 0x00
	GPIO_CRH = 0x04
	GPIO_IDR = 0x08
	GPIO_ODR = 0x0c
)

// Pin mode field
const (
	MODE_INPUT        = 0b00
	MODE_OUTPUT_10MHZ = 0b01
	MODE_OUTPUT_2MHZ  = 0b10
	MODE_OUTPUT_50MHZ = 0b11
)

// Pin configuration field, input modes
const (
	CNF_INPUT_ANALOG   = 0b00
	CNF_INPUT_FLOATING = 0b01
	CNF_INPUT_PULL     = 0b10
)

// Pin configuration field, output modes
const (
	CNF_OUTPUT_PUSHPULL  = 0b00
	CNF_OUTPUT_OPENDRAIN = 0b01
	CNF_ALTERNATE        = 0b10
)

// GPIO represents a GPIO port instance.
type GPIO struct {
	// Base register
	Base uintptr
}

// Pin instance
type Pin struct {
	num  int
	cfg  uintptr
	data uintptr
	in   uintptr
}

// Init initializes a GPIO pin.
func (hw *GPIO) Init(num int) (gpio *Pin, err error) {
	if hw.Base == 0 {
		return nil, errors.New("invalid GPIO controller instance")
	}

	if num > 15 {
		return nil, fmt.Errorf("invalid GPIO number %d", num)
	}

	gpio = &Pin{
		num:  num,
		cfg:  hw.Base + GPIO_CRL,
		data: hw.Base + GPIO_ODR,
		in:   hw.Base + GPIO_IDR,
	}

	if num > 7 {
		gpio.cfg = hw.Base + GPIO_CRH
	}

	return
}

// Mode programs the pin mode and configuration nibble.
func (gpio *Pin) Mode(mode uint32, cnf uint32) {
	shift := (gpio.num % 8) * 4
	reg.SetN(gpio.cfg, shift, 0b1111, cnf<<2|mode)
}

// Out configures a GPIO as push-pull output.
func (gpio *Pin) Out() {
	gpio.Mode(MODE_OUTPUT_2MHZ, CNF_OUTPUT_PUSHPULL)
}

// In configures a GPIO as pulled input; the pull direction follows the
// output data bit (High selects pull-up, Low pull-down).
func (gpio *Pin) In() {
	gpio.Mode(MODE_INPUT, CNF_INPUT_PULL)
}

// High configures a GPIO signal as high.
func (gpio *Pin) High() {
	reg.Set(gpio.data, gpio.num)
}

// Low configures a GPIO signal as low.
func (gpio *Pin) Low() {
	reg.Clear(gpio.data, gpio.num)
}

// Value returns the GPIO signal level.
func (gpio *Pin) Value() (high bool) {
	return reg.Get(gpio.in, gpio.num, 1) == 1
}
