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

package api

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRequestFrameLength(t *testing.T) {
	req := NewRequest(OpStatus)

	if got := len(req.Bytes()); got != RequestLength {
		t.Fatalf("request frame is %d bytes, want %d", got, RequestLength)
	}

	res := &Response{Magic: requestMagic}

	if got := len(res.Bytes()); got != ResponseLength {
		t.Fatalf("response frame is %d bytes, want %d", got, ResponseLength)
	}
}

func TestDecodeRequest(t *testing.T) {
	valid := NewRequest(OpUnlock)

	if err := valid.SetPIN([]byte("123456")); err != nil {
		t.Fatalf("SetPIN: %v", err)
	}

	badMagic := valid.Bytes()
	badMagic[0] = 'X'

	badPINLen := valid.Bytes()
	badPINLen[5] = MaxPINLength + 1

	for _, test := range []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{
			name: "valid",
			buf:  valid.Bytes(),
		}, {
			name:    "short frame",
			buf:     valid.Bytes()[:RequestLength-1],
			wantErr: ErrFrameLength,
		}, {
			name:    "long frame",
			buf:     append(valid.Bytes(), 0x00),
			wantErr: ErrFrameLength,
		}, {
			name:    "empty frame",
			buf:     nil,
			wantErr: ErrFrameLength,
		}, {
			name:    "bad magic",
			buf:     badMagic,
			wantErr: ErrFrameMagic,
		}, {
			name:    "PIN length out of bounds",
			buf:     badPINLen,
			wantErr: errors.New("invalid frame field length"),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			req, err := DecodeRequest(test.buf)

			if test.wantErr != nil {
				if err == nil || err.Error() != test.wantErr.Error() {
					t.Fatalf("got error %v, want %v", err, test.wantErr)
				}
				return
			}

			if err != nil {
				t.Fatalf("DecodeRequest: %v", err)
			}

			if diff := cmp.Diff(valid, req); diff != "" {
				t.Fatalf("frame round trip diff: %s", diff)
			}
		})
	}
}

func TestRequestBounds(t *testing.T) {
	req := NewRequest(OpDeriveSessionKey)

	if err := req.SetPIN(bytes.Repeat([]byte{0x41}, MaxPINLength+1)); err == nil {
		t.Error("oversized PIN accepted")
	}

	if err := req.SetParams(bytes.Repeat([]byte{0x42}, MaxParamsLength+1)); err == nil {
		t.Error("oversized parameter block accepted")
	}

	res := &Response{}

	if err := res.SetResult(bytes.Repeat([]byte{0x43}, MaxResultLength+1)); err == nil {
		t.Error("oversized result block accepted")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	res := &Response{
		Magic:     requestMagic,
		Op:        OpUnlock,
		Status:    StatusDenied,
		Remaining: 9,
	}

	if err := res.SetResult([]byte("remaining")); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	got, err := DecodeResponse(res.Bytes())

	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}

	if diff := cmp.Diff(res, got); diff != "" {
		t.Fatalf("response round trip diff: %s", diff)
	}
}
