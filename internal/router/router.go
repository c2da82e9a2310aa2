// Package router decodes inbound wire messages and dispatches them to the
// session registry. Every failure is reported back to the originating session
// as an "error" event; broadcasts to the rest of the group only happen for
// operations that actually changed state.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/nihannihu/rendezvous/internal/group"
	"github.com/nihannihu/rendezvous/internal/metrics"
	"github.com/nihannihu/rendezvous/internal/registry"
	"github.com/nihannihu/rendezvous/pkg/geo"
)

type Router struct {
	logger   *slog.Logger
	registry *registry.Registry
}

func New(logger *slog.Logger, reg *registry.Registry) *Router {
	return &Router{
		logger:   logger.With(slog.String("component", "router")),
		registry: reg,
	}
}

// HandleMessage is the transport's inbound message handler.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		metrics.InvalidMessages.Inc()
		r.reply(connID, CodeBadMessage, "message is not valid JSON")
		return
	}

	var err error
	switch clientMsg.Event {
	case EventConnect:
		err = r.registry.Attach(ctx, connID)
	case EventDisconnect:
		r.registry.Detach(connID)
	case EventLocationUpdate:
		var sample geo.Sample
		if sample, err = parseSample(clientMsg.Payload); err == nil {
			err = r.registry.ReportLocation(ctx, connID, sample)
		}
	case EventJoin:
		coord, address := parsePlace(clientMsg.Payload)
		err = r.registry.Join(ctx, connID, coord, address)
	case EventLeave:
		err = r.registry.Leave(ctx, connID)
	case EventSetDestination:
		coord, address := parsePlace(clientMsg.Payload)
		if coord == nil {
			err = fmt.Errorf("%w: latitude and longitude are required", errBadPayload)
		} else {
			err = r.registry.SetDestination(ctx, connID, *coord, address)
		}
	case EventSetMeetingPoint:
		coord, address := parsePlace(clientMsg.Payload)
		if coord == nil {
			err = fmt.Errorf("%w: latitude and longitude are required", errBadPayload)
		} else {
			err = r.registry.SetMeetingPoint(ctx, connID, group.Place{Coordinate: *coord, Address: address})
		}
	case EventArchive:
		err = r.registry.ArchiveGroup(ctx, connID)
	default:
		r.logger.Warn("received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
		metrics.InvalidMessages.Inc()
		r.reply(connID, CodeUnknownEvent, "unknown event: "+clientMsg.Event)
		return
	}

	if err != nil {
		r.logger.Warn("event failed",
			slog.String("event", clientMsg.Event),
			slog.String("connID", connID.String()),
			slog.Any("error", err))
		r.reply(connID, codeFor(err), err.Error())
	}
}

func (r *Router) reply(connID uuid.UUID, code, message string) {
	if err := r.registry.SendTo(connID, registry.EventError, ErrorReply{Code: code, Message: message}); err != nil {
		r.logger.Debug("error reply dropped", slog.String("connID", connID.String()), slog.Any("error", err))
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, group.ErrGroupClosed):
		return CodeGroupClosed
	case errors.Is(err, group.ErrDuplicateMember):
		return CodeDuplicateMember
	case errors.Is(err, group.ErrUnknownMember):
		return CodeUnknownMember
	case errors.Is(err, registry.ErrUnknownGroup):
		return CodeUnknownGroup
	case errors.Is(err, geo.ErrInvalidCoordinate):
		return CodeInvalidCoordinate
	case errors.Is(err, errBadPayload):
		return CodeBadMessage
	default:
		return CodeInternal
	}
}

var errBadPayload = errors.New("bad payload")

// parseSample extracts a location sample from a payload. The timestamp may be
// a unix-seconds number or an RFC 3339 string; a missing timestamp means the
// server's receive time.
func parseSample(payload []byte) (geo.Sample, error) {
	lat := gjson.GetBytes(payload, "latitude")
	lon := gjson.GetBytes(payload, "longitude")
	if !lat.Exists() || !lon.Exists() {
		return geo.Sample{}, fmt.Errorf("%w: latitude and longitude are required", errBadPayload)
	}
	sample := geo.Sample{
		Coordinate: geo.Coordinate{Latitude: lat.Float(), Longitude: lon.Float()},
		Timestamp:  time.Now(),
	}
	switch ts := gjson.GetBytes(payload, "timestamp"); ts.Type {
	case gjson.Number:
		sec := ts.Float()
		sample.Timestamp = time.Unix(int64(sec), int64((sec-float64(int64(sec)))*float64(time.Second)))
	case gjson.String:
		parsed, err := time.Parse(time.RFC3339, ts.String())
		if err != nil {
			return geo.Sample{}, errors.Join(errBadPayload, err)
		}
		sample.Timestamp = parsed
	}
	return sample, nil
}

// parsePlace extracts an optional coordinate and address. Absent coordinates
// come back nil so downstream defaulting never swallows an explicit 0°N 0°E.
func parsePlace(payload []byte) (*geo.Coordinate, string) {
	address := gjson.GetBytes(payload, "address").String()
	lat := gjson.GetBytes(payload, "latitude")
	lon := gjson.GetBytes(payload, "longitude")
	if !lat.Exists() || !lon.Exists() {
		return nil, address
	}
	return &geo.Coordinate{Latitude: lat.Float(), Longitude: lon.Float()}, address
}
