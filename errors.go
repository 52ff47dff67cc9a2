// Copyright 2024 The Cockroach Authors
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


package identmap

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument is returned when a Map is constructed with a
	// negative expected size.
	ErrInvalidArgument = errors.New("identmap: invalid argument")

	// ErrCapacityExhausted is returned by an insertion that would require
	// growing a table that is already at its maximum capacity with a single
	// free slot remaining. The table is left unchanged.
	ErrCapacityExhausted = errors.New("identmap: capacity exhausted")

	// ErrConcurrentModification is reported by an Iterator that observed a
	// structural change to its Map that was not made through the Iterator
	// itself. Iteration must be restarted.
	ErrConcurrentModification = errors.New("identmap: concurrent modification")

	// ErrInvalidState is returned by Iterator.Remove when it is not preceded
	// by a successful call to Next, and by Entry.SetValue once the entry has
	// been removed.
	ErrInvalidState = errors.New("identmap: invalid state")
)
