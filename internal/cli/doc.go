// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the sidernav command line.
//
// Commands:
//
//	sidernav ask <question>        one-off question, streamed
//	sidernav chat                  interactive chat in the current session
//	sidernav sessions list|show|export|delete|clear
//	sidernav config show|get|set|path|keys
//	sidernav memory report
//	sidernav serve                 local bridge for the browser sidebar
//
// Every command shares the --config and --verbose flags.
package cli
