package relay

import (
	"context"
	"log/slog"
)

// Notifier is the external push-notification collaborator. It is invoked
// fire-and-forget when a call invitation targets an endpoint with no live
// connection; delivery is out of scope for the relay.
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, endpointID, callerName string, video bool)
}

// LogNotifier records push attempts in the log. It stands in for a real push
// gateway in dev deployments and tests.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) NotifyIncomingCall(ctx context.Context, endpointID, callerName string, video bool) {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("push notification",
		"endpoint_id", endpointID,
		"caller_name", callerName,
		"video", video,
	)
}
