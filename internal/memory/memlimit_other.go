// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !linux

package memory

// systemMemory is unknown off Linux; only absolute thresholds apply.
func systemMemory() uint64 { return 0 }
