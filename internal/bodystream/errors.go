package bodystream

import "errors"

// ErrAlreadyConsumed is returned by Reader/Decoded when a Stream's single
// read has already been taken.
var ErrAlreadyConsumed = errors.New("bodystream: stream already consumed")
