package domain

import (
	"context"

	assert "github.com/ZanzyTHEbar/assert-lib"
)

// contract is the shared assertion handler for the scheduler core. A failed
// contract check is a programmer error or a broken invariant; the handler
// prints the diagnostic context and aborts the process.
var contract = assert.NewAssertHandler()

var assertCtx = context.Background()
