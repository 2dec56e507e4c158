// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cache provides a generic least-recently-used cache.
//
//	c := cache.New[string, []uint32](64)
//	c.Put(key, words)
//	words, ok := c.Get(key)
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
