package exception

import "github.com/yanun0323/errors"

var (
	ErrCorruptState     = errors.New("store: corrupt state")
	ErrStoreVersion     = errors.New("store: unsupported snapshot version")
	ErrUnsupportedStore = errors.New("store: unsupported driver")
)
