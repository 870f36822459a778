package transport

import "github.com/kscope-vpn/kscope/kerr"

var (
	errReplayOld       = kerr.ErrReplayOld
	errReplayDuplicate = kerr.ErrReplayDuplicate
	errNonceExhausted  = kerr.ErrNonceExhausted
	errAuthFailed      = kerr.ErrAuthFailed
)
