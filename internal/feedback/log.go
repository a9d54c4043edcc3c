package feedback

import (
	"github.com/sirupsen/logrus"
)

// LogHandler mirrors bus events into logrus at a level matching the event.
func LogHandler(logger *logrus.Logger) EventHandler {
	return func(event Event) {
		entry := logger.WithField("guild_id", event.GuildID)

		switch event.Type {
		case EventDebug:
			entry.Debug(event.Message())
		case EventWarn:
			entry.Warn(event.Message())
		case EventError:
			entry.WithError(event.Err()).Error("Voice connection error")
		case EventRawWS:
			if raw, ok := event.Data.(RawData); ok {
				entry.WithField("op", raw.Op).Trace("Voice gateway packet")
			}
		case EventReady:
			if ready, ok := event.Data.(ReadyData); ok {
				entry.WithFields(logrus.Fields{
					"ssrc":  ready.SSRC,
					"ip":    ready.IP,
					"port":  ready.Port,
					"modes": ready.Modes,
				}).Info("Voice handshake completed")
			}
		case EventDisconnect:
			if d, ok := event.Data.(DisconnectData); ok {
				entry.WithFields(logrus.Fields{
					"code":      d.Code,
					"reason":    d.Reason,
					"was_clean": d.WasClean,
				}).Info("Voice gateway disconnected")
			}
		case EventStateChange:
			if sc, ok := event.Data.(StateChangeData); ok {
				entry.WithFields(logrus.Fields{
					"from": sc.From,
					"to":   sc.To,
				}).Debug("Voice connection state changed")
			}
		}
	}
}
