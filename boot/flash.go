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
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log"

	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/keygrove/keygrove-boot/api"
	"github.com/keygrove/keygrove-boot/firmware"
)

const (
	expectedBlockSize = 512 // Expected size of MMC block in bytes

	// maximum serialized boot configuration size
	confMaxLength = 40960

	// boot configuration location
	confBlock = 0x5000
	// application firmware image location
	imageBlock = confBlock + confMaxLength/expectedBlockSize

	otaLimit  = firmware.MaxPayloadSize + firmware.HeaderLength
	batchSize = 2048
)

// bootConfig locates the application firmware image on internal storage
// and carries its transparency artefacts, serialized at confBlock.
type bootConfig struct {
	// Offset is the image offset in bytes on internal storage.
	Offset int64
	// Size is the image length in bytes, header included.
	Size int64
	// Bundle contains the firmware transparency artefacts for the
	// image, if logged.
	Bundle api.ProofBundle
}

func (c *bootConfig) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := gob.NewEncoder(buf).Encode(c)

	if l := buf.Len(); l > confMaxLength {
		return nil, fmt.Errorf("configuration too large (%d > %d)", l, confMaxLength)
	}

	return buf.Bytes(), err
}

func (c *bootConfig) Decode(buf []byte) error {
	return gob.NewDecoder(bytes.NewBuffer(buf)).Decode(c)
}

// Card mostly mirrors the public API of the usdhc.Card struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at sector lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
	// Info returns information about the underlying storage.
	Info() usdhc.CardInfo
	// Detect causes the underlying storage to probe itself.
	Detect() error
}

// read loads the application firmware image from internal storage, the
// image is *not* verified by this function.
func read(card Card) (image []byte, conf *bootConfig, err error) {
	blockSize := card.Info().BlockSize

	if blockSize != expectedBlockSize {
		return nil, nil, fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, blockSize)
	}

	buf, err := card.Read(confBlock*expectedBlockSize, confMaxLength)

	if err != nil {
		return
	}

	conf = &bootConfig{}

	if err = conf.Decode(buf); err != nil {
		return nil, nil, fmt.Errorf("invalid boot configuration: %v", err)
	}

	if conf.Size <= 0 || conf.Size > otaLimit {
		return nil, nil, errors.New("invalid boot configuration image size")
	}

	if image, err = card.Read(conf.Offset, conf.Size); err != nil {
		return nil, nil, fmt.Errorf("failed to read firmware: %v", err)
	}

	return
}

// flash writes a buffer to internal storage.
//
// Since this function is writing blocks to MMC, it will pad the passed in
// buf with zeros to ensure full MMC blocks are written.
func flash(card Card, buf []byte, lba int) (err error) {
	blockSize := card.Info().BlockSize

	if blockSize != expectedBlockSize {
		return fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, blockSize)
	}

	if rem := len(buf) % blockSize; rem > 0 {
		buf = append(buf, make([]byte, blockSize-rem)...)
	}

	blocks := len(buf) / blockSize
	batch := batchSize

	// write in batch to limit DMA requirements
	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		start := i * blockSize
		end := start + blockSize*batch

		if err = card.WriteBlocks(lba+i, buf[start:end]); err != nil {
			return
		}

		log.Printf("KG flashed %d/%d blocks", i+batch, blocks)
	}

	return
}

// updateFirmware verifies a firmware update received over the control
// interface and writes it to internal storage. The static checks of the
// boot verification pipeline run *before* any flash write, plus the
// transparency proof bundle when one accompanies the update.
//
// The rollback record is compared against but never raised here, a
// flashing failure must leave the installed firmware bootable. The
// record is raised at the first successful boot of the new image.
func updateFirmware(card Card, verifier *firmware.Verifier, bundles *firmware.BundleVerifier, minVersion uint32, image []byte, pb api.ProofBundle) (err error) {
	if card == nil {
		return errors.New("firmware update error: missing storage")
	}

	verdict, err := verifier.Inspect(image)

	if err != nil {
		return fmt.Errorf("firmware update rejected: %w", err)
	}

	if verdict.Version < minVersion {
		return fmt.Errorf("firmware update rejected: %w: version %d", firmware.ErrRollback, verdict.Version)
	}

	if bundles != nil && len(pb.Checkpoint) != 0 {
		if _, err = bundles.Verify(pb, image); err != nil {
			return fmt.Errorf("firmware update transparency rejection: %w", err)
		}

		log.Printf("KG verified firmware transparency bundle")
	}

	conf := &bootConfig{
		Offset: int64(imageBlock) * expectedBlockSize,
		Size:   int64(len(image)),
		Bundle: pb,
	}

	confEnc, err := conf.Encode()

	if err != nil {
		return
	}

	log.Printf("KG flashing boot configuration (%d bytes) @ %#x", len(confEnc), confBlock)

	if err = flash(card, confEnc, confBlock); err != nil {
		return fmt.Errorf("configuration flashing error: %v", err)
	}

	log.Printf("KG flashing firmware image (%d bytes) @ %#x", len(image), imageBlock)

	if err = flash(card, image, imageBlock); err != nil {
		return fmt.Errorf("image flashing error: %v", err)
	}

	log.Printf("KG firmware update complete")

	return
}
