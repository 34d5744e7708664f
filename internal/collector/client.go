package collector

import (
	"time"

	"github.com/petervdpas/groupmote/internal/mq"
)

// TokenAuthUser is the username sent with the auth token.
const TokenAuthUser = "use-token-auth"

// Client is the publish/subscribe primitive the machine drives. Connect and
// Subscribe start asynchronous operations whose outcome arrives as an Event.
type Client interface {
	mq.Publisher

	// Register records the identity used by later connects.
	Register(clientID, username, password string)
	Connect(host string, port int, keepAlive time.Duration) error
	Subscribe(topic string, qos byte) error
	Disconnect()

	// Ready reports whether the transport is open.
	Ready() bool

	// OutboundIdle reports whether no outbound operation is in flight.
	OutboundIdle() bool
}
