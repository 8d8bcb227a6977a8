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
	"fmt"
	"log"

	"github.com/usbarmory/tamago/arm"
	"github.com/usbarmory/tamago/bits"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/usbarmory/GoTEE/monitor"
)

// FIQ mask bit in the saved program status register
const CPSR_FIQ = 6

const (
	// Watchdog interval (in ms) to force context switching (User -> System mode)
	// to prevent application firmware starvation of bootloader resources.
	watchdogTimeout = 60 * 1000

	// watchdogWarningInterval (in ms) controls how long before the watchdog triggers
	// the service request interrupt will be raised.
	watchdogWarningInterval = 5 * 1000
)

// loadApp loads a verified TamaGo unikernel as application firmware.
//
// The payload must have been selected by the verification pipeline, this
// function performs no signature checks of its own.
func loadApp(elf []byte, ctl *controlInterface) (ctx *monitor.ExecCtx, err error) {
	image := &exec.ELFImage{
		Region: appRegion,
		ELF:    elf,
	}

	imx6ul.ARM.ConfigureMMU(uint32(image.Region.Start()), uint32(image.Region.End()), 0, arm.MemoryRegion)

	if err = image.Load(); err != nil {
		return
	}

	if ctx, err = monitor.Load(image.Entry(), image.Region, true); err != nil {
		return nil, fmt.Errorf("KG could not load application firmware: %v", err)
	}

	log.Printf("KG application firmware loaded addr:%#x entry:%#x size:%d", ctx.Memory.Start(), ctx.R15, len(elf))

	// register the dispatch gate RPC receiver
	ctx.Server.Register(ctl.RPC)
	ctl.RPC.Ctx = ctx

	// set stack pointer to end of available memory
	ctx.R13 = uint32(ctx.Memory.End())

	// override default handler
	ctx.Handler = handler

	// enable FIQs
	bits.Clear(&ctx.SPSR, CPSR_FIQ)

	return ctx, run(ctx)
}

func run(ctx *monitor.ExecCtx) (err error) {
	mode := arm.ModeName(int(ctx.SPSR) & 0x1f)

	log.Printf("KG application firmware started mode:%s sp:%#.8x pc:%#.8x", mode, ctx.R13, ctx.R15)

	irqHandler[imx6ul.WDOG2.IRQ] = func() {
		imx6ul.WDOG2.Service(watchdogTimeout)
	}

	// activate watchdog to prevent resource starvation
	imx6ul.GIC.EnableInterrupt(imx6ul.WDOG2.IRQ, true)
	imx6ul.WDOG2.EnableInterrupt(watchdogWarningInterval)
	imx6ul.WDOG2.EnableTimeout(watchdogTimeout)

	// route IRQs as FIQs to serve them through the exception handler
	imx6ul.GIC.FIQEn(true)

	err = ctx.Run()

	// restore routing to IRQ handler
	imx6ul.GIC.FIQEn(false)

	// Re-enable interrupts as the monitor exception handler disables them
	// when switching back to System Mode.
	imx6ul.ARM.EnableInterrupts(false)

	log.Printf("KG application firmware stopped mode:%s sp:%#.8x lr:%#.8x pc:%#.8x err:%v", mode, ctx.R13, ctx.R14, ctx.R15, err)

	return
}
