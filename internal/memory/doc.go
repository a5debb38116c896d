// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory samples heap usage and classifies it into pressure levels
// that drive escalating remediation.
//
// # Levels
//
// Each sample is compared against absolute MB thresholds and against a
// percentage of the heap limit. The worst matching level wins:
//
//	healthy -> warning (notify) -> critical (notify, GC hint)
//	        -> emergency (notify, trim history, purge temp globals, GC hint)
//
// The monitor only talks to the rest of the process through
// memory-pressure events on the bus. It never reaches into the session
// store or the cache.
package memory
