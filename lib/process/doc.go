// Copyright 2026 The Hivemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for hivemux
// binaries: fatal error reporting to stderr for failures that occur
// before the structured logger exists. All other output in pod and
// front-end binaries goes through slog or the pane's own byte stream.
package process
