// Copyright 2026 The gVisor Authors.
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

package hostarch

import "testing"

func TestAddrRoundUp(t *testing.T) {
	for _, test := range []struct {
		addr Addr
		want Addr
		ok   bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{PageSize + 1, 2 * PageSize, true},
		{^Addr(0), 0, false},
	} {
		got, ok := test.addr.RoundUp()
		if got != test.want || ok != test.ok {
			t.Errorf("%v.RoundUp() got (%v, %t) want (%v, %t)", test.addr, got, ok, test.want, test.ok)
		}
	}
}

func TestPagesOf(t *testing.T) {
	for _, test := range []struct {
		length uint64
		want   uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{10 * PageSize, 10},
	} {
		if got := PagesOf(test.length); got != test.want {
			t.Errorf("PagesOf(%d) got %d want %d", test.length, got, test.want)
		}
	}
}

func TestAccessTypeEffective(t *testing.T) {
	if got := Write.Effective(); got != ReadWrite {
		t.Errorf("Write.Effective() got %v want %v", got, ReadWrite)
	}
	if got := Read.Effective(); got != Read {
		t.Errorf("Read.Effective() got %v want %v", got, Read)
	}
	if !ReadWrite.SupersetOf(Write) {
		t.Errorf("%v.SupersetOf(%v) got false want true", ReadWrite, Write)
	}
	if Read.SupersetOf(Write) {
		t.Errorf("%v.SupersetOf(%v) got true want false", Read, Write)
	}
}

func TestAddrRangeIntersect(t *testing.T) {
	r := AddrRange{PageSize, 4 * PageSize}
	for _, test := range []struct {
		other AddrRange
		want  uint64
	}{
		{AddrRange{0, 2 * PageSize}, PageSize},
		{AddrRange{2 * PageSize, 3 * PageSize}, PageSize},
		{AddrRange{0, 8 * PageSize}, 3 * PageSize},
		{AddrRange{4 * PageSize, 5 * PageSize}, 0},
	} {
		if got := r.Intersect(test.other).Length(); got != test.want {
			t.Errorf("%v.Intersect(%v).Length() got %d want %d", r, test.other, got, test.want)
		}
	}
}
