package browser

import "errors"

// ErrInstanceNotFound is returned when the vendor no longer has the browser,
// typically because it timed out on its own
var ErrInstanceNotFound = errors.New("browser instance not found")
