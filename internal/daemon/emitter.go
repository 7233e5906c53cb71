// Copyright 2025 Tom Barlow
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

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/kestra-io/workspace-triggers/internal/poller"
	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

// StdoutEmitter writes executions to standard output as JSON lines, one
// execution per line. The consuming host reads them from the pipe; a write
// failure is reported back so the trigger's cursor does not advance past the
// lost execution.
type StdoutEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutEmitter creates an emitter writing to standard output.
func NewStdoutEmitter() *StdoutEmitter {
	return newStdoutEmitter(os.Stdout)
}

func newStdoutEmitter(w io.Writer) *StdoutEmitter {
	return &StdoutEmitter{enc: json.NewEncoder(w)}
}

// Emit implements poller.Emitter.
func (e *StdoutEmitter) Emit(ctx context.Context, exec *poller.Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(exec); err != nil {
		return errors.Wrapf(err, "writing execution %s", exec.ID)
	}
	return nil
}
