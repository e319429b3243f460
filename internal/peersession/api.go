package peersession

import (
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// NewAPI constructs the WebRTC API shared by all peer sessions of one client.
// Building it once at startup surfaces engine misconfiguration early, before
// any call is placed.
func NewAPI(loggerFactory logging.LoggerFactory) (*webrtc.API, error) {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{
		LoggerFactory: loggerFactory,
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
	), nil
}
