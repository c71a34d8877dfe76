package responders

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dcavero/agentbus/pkg/bus"
	"github.com/dcavero/agentbus/pkg/ports"
)

// EchoEventType is the event type answered by the built-in echo
// responder.
const EchoEventType = "bus.echo"

// Echo is a diagnostic responder that replies to bus.echo requests with
// the request payload. It gives a fresh deployment a known round trip
// to verify publish, consume and request/reply end to end.
type Echo struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEcho creates the echo responder.
func NewEcho(b *bus.Bus, logger *zap.Logger) *Echo {
	return &Echo{bus: b, logger: logger}
}

// Register subscribes the responder on the bus. Call before the
// consumer starts.
func (e *Echo) Register() {
	e.bus.Subscribe(EchoEventType, e.handle)
}

func (e *Echo) handle(ctx context.Context, payload ports.Payload) error {
	responseStream, ok := payload[bus.ResponseStreamKey].(string)
	if !ok {
		// A plain publish to bus.echo has nowhere to reply to.
		e.logger.Warn("echo event without response stream, nothing to do")
		return nil
	}

	reply := make(ports.Payload, len(payload))
	for k, v := range payload {
		if k == bus.ResponseStreamKey {
			continue
		}
		reply[k] = v
	}
	reply["echoed_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	return e.bus.Respond(ctx, responseStream, reply)
}
