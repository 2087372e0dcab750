// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of
// calling time.Now, time.After, time.NewTicker, or time.Sleep
// directly. In production, Real() provides the standard library
// behavior. In tests, Fake() provides a deterministic clock that
// advances only when Advance is called.
//
// In COWFS the clock matters in two places: row timestamps (version
// and snapshot creation times drive restore --before and GC --before
// selection) and the GC safety window, which compares object ages
// against "now". Tests cross both thresholds by advancing a fake
// clock rather than sleeping.
//
// # FakeClock synchronization
//
// When a goroutine calls Sleep, After, or NewTicker on a FakeClock,
// it registers a pending waiter. Use WaitForTimers to block until a
// specific number of waiters are registered before calling Advance.
// This eliminates the race between timer registration and time
// advancement.
package clock
