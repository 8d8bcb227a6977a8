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

//go:build !tamago
// +build !tamago

// keygrovectl manages Keygrove devices over the bootloader USB control
// interface.
package main

import (
	"errors"
	"flag"

	"k8s.io/klog"
)

type config struct {
	dev *Device

	status      bool
	consoleLogs bool

	otaImage  string
	otaBundle string
}

var conf *config

func init() {
	conf = &config{}

	flag.BoolVar(&conf.status, "s", false, "get device status")
	flag.BoolVar(&conf.consoleLogs, "l", false, "get device console logs (debug builds)")
	flag.StringVar(&conf.otaImage, "u", "", "signed firmware image to install")
	flag.StringVar(&conf.otaBundle, "p", "", "firmware transparency proof bundle (optional)")
}

func detect() (err error) {
	if conf.dev != nil {
		return
	}

	conf.dev, err = detectU2F()

	if err != nil {
		return
	}

	if conf.dev == nil {
		return errors.New("no device found")
	}

	return
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if flag.NFlag() == 0 {
		flag.PrintDefaults()
		return
	}

	if err := detect(); err != nil {
		klog.Exitf("fatal error, %v", err)
	}

	var err error

	switch {
	case conf.status:
		var res string

		if res, err = conf.dev.status(); err == nil {
			klog.Info(res)
		}
	case conf.consoleLogs:
		var logs []byte

		if logs, err = conf.dev.getConsoleLogs(); err == nil {
			klog.Infof("%s", logs)
		}
	case len(conf.otaImage) > 0:
		err = conf.dev.update(conf.otaImage, conf.otaBundle)
	}

	if err != nil {
		klog.Exitf("fatal error, %v", err)
	}
}
