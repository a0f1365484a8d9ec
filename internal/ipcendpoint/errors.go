package ipcendpoint

import "errors"

// ErrNotConnected is returned by Send when no monitoring engine is
// currently connected.
var ErrNotConnected = errors.New("ipcendpoint: no engine connected")
