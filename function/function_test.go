/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package function

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunOnlyOnce(t *testing.T) {
	// GIVEN
	runs, cancels := 0, 0
	f := New(func() { runs++ }, func() { cancels++ })

	// WHEN
	f.Run()
	f.Run()
	f.Cancel()

	// THEN
	assert.Equal(t, 1, runs, "Expected run to be called once")
	assert.Equal(t, 0, cancels, "Expected cancel to never be called after run")
}

func TestCancelBlocksRun(t *testing.T) {
	// GIVEN
	runs, cancels := 0, 0
	f := New(func() { runs++ }, func() { cancels++ })

	// WHEN
	f.Cancel()
	f.Run()

	// THEN
	assert.Equal(t, 0, runs, "Expected run to never be called after cancel")
	assert.Equal(t, 1, cancels, "Expected cancel to be called once")
}

func TestNilThunks(t *testing.T) {
	// GIVEN
	f := New(nil, nil)

	// WHEN / THEN
	assert.NotPanics(t, f.Run, "Expected nil run to be ignored")
	assert.NotPanics(t, f.Cancel, "Expected nil cancel to be ignored")
}
