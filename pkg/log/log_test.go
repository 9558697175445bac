// Copyright 2024 The comet-go Authors.
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
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestSetLevelSuppressesBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	SetLevel(0)
	Debugf("should not appear")
	Infof("should not appear either")
	Warnf("cycle degenerated")
	if strings.Contains(buf.String(), "should not appear") {
		t.Fatalf("Debugf/Infof must be suppressed at verbose=0, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "cycle degenerated") {
		t.Fatalf("Warnf should always be emitted at verbose=0, got: %s", buf.String())
	}
}

func TestSetLevelTraceEmitsEverything(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	SetLevel(3)
	Debugf("hole walk at block %d", 4)
	if !strings.Contains(buf.String(), "hole walk at block 4") {
		t.Fatalf("Debugf should be emitted at verbose=3, got: %s", buf.String())
	}
}

func TestWithFieldsAttachesStructuredData(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	SetLevel(1)
	WithFields(Fields{"cycle": 7, "freed": 1024}).Info("sweep done")
	out := buf.String()
	if !strings.Contains(out, "sweep done") || !strings.Contains(out, "cycle=7") {
		t.Fatalf("WithFields should attach structured fields to the log line, got: %s", out)
	}
}
