package exception

import "github.com/yanun0323/errors"

var (
	ErrEmptySocketPath  = errors.New("intake: empty socket path")
	ErrPathNotSocket    = errors.New("intake: path exists and is not a socket")
	ErrAlreadyListening = errors.New("intake: already listening")
	ErrNotListening     = errors.New("intake: not listening")
)
