package logger

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ctxEventKey ctxKey = iota
)

// LoggerMiddleware records one Event per request. Handlers may refine it
// through SetTarget and SetReason before returning.
func LoggerMiddleware(l Logger, runId string) func(http.Handler) http.Handler {
	index := make(map[string]Rule, len(rules))
	for _, ru := range rules {
		index[ru.Method+" "+ru.Pattern] = ru
	}
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			ev := Event{
				TS:            start.Format(time.RFC3339Nano),
				EventId:       uuid.NewString(),
				CorrelationId: middleware.GetReqID(r.Context()),
				Severity:      Severity[SEV_INFO],
				PeerIp:        peerIp(r),
				Request: Request{
					Method: r.Method,
					Path:   r.URL.Path,
					Host:   r.Host,
				},
				RunId: runId,
			}

			r = r.WithContext(context.WithValue(r.Context(), ctxEventKey, &ev))
			next.ServeHTTP(ww, r)

			pattern := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				pattern = rctx.RoutePattern()
			}
			if ru, ok := index[r.Method+" "+pattern]; ok {
				ev.Action = ru.Action
				ev.Severity = Severity[ru.Severity]
			} else {
				ev.Action = "unknown"
				ev.Severity = Severity[SEV_LOW]
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev.Result.Code = status
			ev.Result.Bytes = ww.BytesWritten()
			ev.Result.LatencyMs = time.Since(start).Milliseconds()

			switch {
			case status >= 200 && status < 400:
				ev.Result.Status = "allow"
			case status == http.StatusUnauthorized || status == http.StatusForbidden:
				ev.Result.Status = "deny"
				ev.Severity = bump(ev.Severity)
			default:
				ev.Result.Status = "error"
				ev.Severity = bump(ev.Severity)
			}

			l.Write(ev)
		}
		return http.HandlerFunc(fn)
	}
}

func FromContext(ctx context.Context) *Event {
	ev, _ := ctx.Value(ctxEventKey).(*Event)
	return ev
}

// SetTarget merges the non-empty fields of target into the request's event.
func SetTarget(ctx context.Context, target Target) {
	ev := FromContext(ctx)
	if ev == nil {
		return
	}
	if target.Machine != "" {
		ev.Target.Machine = target.Machine
	}
	if target.Network != "" {
		ev.Target.Network = target.Network
	}
	if target.Address != "" {
		ev.Target.Address = target.Address
	}
	if len(target.Command) != 0 {
		ev.Target.Command = target.Command
	}
}

func SetReason(ctx context.Context, reason string) {
	if ev := FromContext(ctx); ev != nil {
		ev.Result.Reason = reason
	}
}

func PutExtra(ctx context.Context, k string, v any) {
	if ev := FromContext(ctx); ev != nil {
		if ev.Extra == nil {
			ev.Extra = map[string]any{}
		}
		ev.Extra[k] = v
	}
}

// LogrusLogger writes events as structured entries at a level that follows
// the event severity.
type LogrusLogger struct {
	Entry *logrus.Entry
}

func (l LogrusLogger) Write(ev Event) {
	entry := l.Entry.WithFields(logrus.Fields{
		"event_id": ev.EventId,
		"req_id":   ev.CorrelationId,
		"action":   ev.Action,
		"severity": ev.Severity,
		"method":   ev.Request.Method,
		"path":     ev.Request.Path,
		"peer":     ev.PeerIp,
		"code":     ev.Result.Code,
		"result":   ev.Result.Status,
		"bytes":    ev.Result.Bytes,
		"latency":  ev.Result.LatencyMs,
	})
	if ev.Target.Machine != "" {
		entry = entry.WithField("machine", ev.Target.Machine)
	}
	if ev.Target.Network != "" {
		entry = entry.WithField("network", ev.Target.Network)
	}
	if ev.Target.Address != "" {
		entry = entry.WithField("address", ev.Target.Address)
	}
	if len(ev.Target.Command) != 0 {
		entry = entry.WithField("command", ev.Target.Command)
	}
	if ev.Result.Reason != "" {
		entry = entry.WithField("reason", ev.Result.Reason)
	}
	for k, v := range ev.Extra {
		entry = entry.WithField(k, v)
	}

	switch ev.Result.Status {
	case "allow":
		entry.Info("api request")
	default:
		entry.Warn("api request")
	}
}

func peerIp(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bump(s string) string {
	switch s {
	case "information":
		return "low"
	case "low":
		return "medium"
	case "medium":
		return "high"
	case "high":
		return "critical"
	default:
		return s
	}
}
