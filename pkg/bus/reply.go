package bus

import (
	"context"
	"encoding/json"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/types"
)

// Ack is the structured reply convention for point-to-point calls:
// handlers encode failures with their taxonomy kind so the caller can
// distinguish a stale-state rejection (resync and retry) from a hard
// failure without parsing error strings.
type Ack struct {
	OK        bool   `json:"ok"`
	ErrorKind string `json:"errorKind,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func AckOK() ([]byte, error) {
	return json.Marshal(Ack{OK: true})
}

func AckErr(err error) ([]byte, error) {
	return json.Marshal(Ack{
		OK:        false,
		ErrorKind: apierr.KindOf(err).String(),
		Reason:    err.Error(),
	})
}

// Err converts a decoded Ack back into the error it carried, nil for
// OK acks.
func (a Ack) Err(from types.NodeID) error {
	if a.OK {
		return nil
	}
	return apierr.New(kindFromString(a.ErrorKind), "remote %s: %s", from, a.Reason)
}

// Call sends msg as JSON and decodes the Ack reply, restoring the
// remote error kind.
func Call(ctx context.Context, b Bus, dest types.NodeID, topic string, msg any) error {
	reply, err := CallReply[Ack](ctx, b, dest, topic, msg)
	if err != nil {
		return err
	}
	return reply.Err(dest)
}

// CallReply is Call for topics whose replies carry a payload beyond
// the bare Ack.
func CallReply[R any](ctx context.Context, b Bus, dest types.NodeID, topic string, msg any) (R, error) {
	var reply R
	raw, err := json.Marshal(msg)
	if err != nil {
		return reply, err
	}
	replyRaw, err := b.Send(ctx, dest, topic, raw)
	if err != nil {
		return reply, err
	}
	if err := json.Unmarshal(replyRaw, &reply); err != nil {
		return reply, apierr.Wrap(apierr.KindTransport, err, "malformed reply from %s on %q", dest, topic)
	}
	return reply, nil
}

func kindFromString(s string) apierr.Kind {
	for k := apierr.KindValidation; k <= apierr.KindInternal; k++ {
		if k.String() == s {
			return k
		}
	}
	return apierr.KindInternal
}
