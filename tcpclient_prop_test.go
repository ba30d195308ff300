// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func amsAddr(t *rapid.T, label string) AmsAddr {
	var addr AmsAddr
	copy(addr.NetID[:], rapid.SliceOfN(rapid.Byte(), 6, 6).Draw(t, label+"NetID"))
	addr.Port = rapid.Uint16().Draw(t, label+"Port")
	return addr
}

func TestAMSEncodeDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		packager := &amsPackager{}
		pkt := &Packet{
			Target:     amsAddr(t, "target"),
			Source:     amsAddr(t, "source"),
			Command:    rapid.Uint16().Draw(t, "Command"),
			StateFlags: rapid.Uint16().Draw(t, "StateFlags"),
			ErrorCode:  rapid.Uint32().Draw(t, "ErrorCode"),
			InvokeID:   rapid.Uint32().Draw(t, "InvokeID"),
			Data:       rapid.SliceOf(rapid.Byte()).Draw(t, "Data"),
		}

		raw, err := packager.Encode(pkt)
		if err != nil {
			t.Fatalf("error while encoding: %+v", err)
		}

		dpkt, err := packager.Decode(raw)
		if err != nil {
			t.Fatalf("error while decoding: %+v", err)
		}

		if !cmp.Equal(pkt, dpkt, cmpEmptyBytes) {
			t.Errorf("invalid packet: %s", cmp.Diff(pkt, dpkt, cmpEmptyBytes))
		}
	})
}

// cmpEmptyBytes treats nil and empty payloads as equal.
var cmpEmptyBytes = cmp.Comparer(func(a, b []byte) bool {
	return string(a) == string(b)
})
