// Copyright 2024 The Keygrove Boot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"log"

	"github.com/usbarmory/tamago/arm"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/GoTEE/monitor"
	"github.com/usbarmory/GoTEE/syscall"
)

// FREQ is the application firmware syscall for CPU frequency scaling
// requests, the only hardware control it is granted.
const FREQ = 0x10000000

var irqHandler = make(map[int]func())

func isr(irq int) {
	if handle, ok := irqHandler[irq]; ok {
		handle()
		return
	}

	log.Printf("KG unexpected IRQ %d", irq)
}

// serviceInterrupts handles IRQs when no application firmware is
// scheduled, it never returns.
func serviceInterrupts() {
	imx6ul.ARM.ServiceInterrupts(isr)
}

// The exception handler is responsible for the following tasks:
//   - override GoTEE default handling for SYS_WRITE to avoid interleaved logs
//   - service IRQs raised while application firmware is scheduled
//   - dispatch gate and frequency scaling syscalls
func handler(ctx *monitor.ExecCtx) (err error) {
	switch ctx.ExceptionVector {
	case arm.IRQ, arm.FIQ:
		isr(imx6ul.GIC.GetInterrupt(true))
		return
	case arm.SUPERVISOR:
		switch ctx.A0() {
		case syscall.SYS_WRITE:
			return bufferedStdoutLog(byte(ctx.A1()))
		case FREQ:
			return imx6ul.SetARMFreq(uint32(ctx.A1()))
		default:
			// includes dispatch gate calls via the RPC receiver
			return monitor.SecureHandler(ctx)
		}
	default:
		log.Fatalf("KG unhandled exception %x", ctx.ExceptionVector)
	}

	return
}
