package aggregate

import "github.com/google/uuid"

// newRequestID mints a correlation id for one outbound peer RPC, used to
// match replies in logs across shards.
func newRequestID() string {
	return uuid.NewString()
}
