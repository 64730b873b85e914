// Copyright 2023 The gVisor Authors.
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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"anonvm.dev/anonvm/pkg/log"
	"github.com/google/subcommands"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the user in addition to the debug log.
var ErrorLogger io.Writer

// Errorf logs error to the debug log and to the error logger, then returns
// subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	// If we cannot write the error json to the Writer, we should not retry.
	_ = writeErr(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	_ = writeErr(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

func writeErr(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "vmsim: %s\n", msg)
	if ErrorLogger == nil {
		return nil
	}
	return json.NewEncoder(ErrorLogger).Encode(struct {
		Msg   string `json:"msg"`
		Level string `json:"level"`
	}{
		Msg:   msg,
		Level: "error",
	})
}

// WriteJSON writes v to w in indented JSON.
func WriteJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling %T: %w", v, err)
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
