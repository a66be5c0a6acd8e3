package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubCredentials,
	})
}

// scrubCredentials drops bearer tokens and the refresh cookie from events.
func scrubCredentials(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Cookies = ""
	for name := range event.Request.Headers {
		switch name {
		case "Authorization", "Cookie", "authorization", "cookie":
			delete(event.Request.Headers, name)
		}
	}
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
