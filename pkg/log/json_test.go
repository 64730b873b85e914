// Copyright 2018 The gVisor Authors.
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
package log

import (
	"encoding/json"
	"testing"
)

func TestLevelMarshal(t *testing.T) {
	for _, tc := range []struct {
		level Level
		want  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		bs, err := json.Marshal(tc.level)
		if err != nil {
			t.Fatalf("json.Marshal(%v) failed: %v", tc.level, err)
		}
		if string(bs) != tc.want {
			t.Errorf("json.Marshal(%v) got %s want %s", tc.level, bs, tc.want)
		}
	}
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON of unknown level succeeded")
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: "0", want: Warning},
		{in: "1", want: Info},
		{in: "2", want: Debug},
		{in: "3", wantErr: true},
		{in: `"verbose"`, wantErr: true},
		{in: "true", wantErr: true},
	} {
		var lv Level
		err := json.Unmarshal([]byte(tc.in), &lv)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("Unmarshal(%s) got err %v want error %t", tc.in, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && lv != tc.want {
			t.Errorf("Unmarshal(%s) got %v want %v", tc.in, lv, tc.want)
		}
	}
}
