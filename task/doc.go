// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package task runs asset creation off the render goroutine.
//
// A Queue executes tasks on a work-stealing worker pool. Assets embed a
// Tracker, which answers the two questions the render loop asks every frame:
// may this asset be used (ReadyForUse) and may it be destroyed
// (ReadyForDestroy). The render loop never blocks on a task; an asset that
// is not ready is skipped and tried again next frame.
package task
