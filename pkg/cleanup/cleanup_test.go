// Copyright 2020 The gVisor Authors.
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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// allocate mimics a constructor that undoes its steps unless it succeeds.
func allocate(freed *[]string, fail bool) (func(), error) {
	cu := Make(func() { *freed = append(*freed, "address") })
	defer cu.Clean()
	cu.Add(func() { *freed = append(*freed, "handle") })
	if fail {
		return nil, errors.New("creation failed")
	}
	return cu.Release(), nil
}

func TestCleanOnError(t *testing.T) {
	var freed []string
	if _, err := allocate(&freed, true); err == nil {
		t.Fatalf("allocate succeeded")
	}
	if diff := cmp.Diff([]string{"handle", "address"}, freed); diff != "" {
		t.Errorf("freed mismatch (-want +got):\n%s", diff)
	}
}

func TestReleaseOnSuccess(t *testing.T) {
	var freed []string
	destroy, err := allocate(&freed, false)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(freed) != 0 {
		t.Fatalf("released cleanup ran: %v", freed)
	}
	destroy()
	if diff := cmp.Diff([]string{"handle", "address"}, freed); diff != "" {
		t.Errorf("freed mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	n := 0
	cu := Make(func() { n++ })
	cu.Clean()
	cu.Clean()
	if n != 1 {
		t.Errorf("cleanup ran %d times, want 1", n)
	}
}

func TestZeroValue(t *testing.T) {
	var cu Cleanup
	cu.Clean()
	ran := false
	cu.Add(func() { ran = true })
	cu.Release()()
	if !ran {
		t.Errorf("function added to a zero Cleanup did not run")
	}
}
