// KB789 MK-C firmware image
// https://github.com/KOBA789/keyboard-from-scratch
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"errors"

	"github.com/KOBA789/keyboard-from-scratch/board/kb789"
	"github.com/KOBA789/keyboard-from-scratch/soc/stm32f1/usb"
	"github.com/KOBA789/keyboard-from-scratch/soc/stm32f1/usb/keyboard"
)

func main() {
	kb789.Init()

	kbd := &keyboard.Keyboard{}

	if err := kbd.Init(kb789.USB); err != nil {
		panic(err)
	}

	kb789.USB.Init()
	kb789.LED(true)

	for {
		kb789.USB.Poll()

		report := kb789.Keys()

		if err := kbd.SendKeys(report[:]); err != nil && !errors.Is(err, usb.ErrBusy) {
			panic(err)
		}
	}
}
