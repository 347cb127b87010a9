package session

import "time"

// nowFunc is a package-level indirection so tests can freeze time without
// threading a clock through every constructor.
var nowFunc = time.Now
