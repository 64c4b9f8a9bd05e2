package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quickconnect/server/internal/domain"
)

const (
	// teardownTimeout bounds the disconnect path once the server is stopping.
	teardownTimeout = 10 * time.Second

	// eventTimeout bounds one browser event. Events are handled on the
	// socket's read pump, so it stays below the hub's 60s read deadline.
	eventTimeout = 45 * time.Second
)

// Matchmaker is the queue side of browser events.
type Matchmaker interface {
	AddUser(ctx context.Context, ch domain.Channel, displayName string) error
	RemoveUser(ctx context.Context, participantID string)
}

// Handler routes browser events to the matchmaker and the coordinator and
// reports failures back on the participant's channel.
// It implements domain.Handler.
type Handler struct {
	ctx     context.Context
	rooms   *Coordinator
	queue   Matchmaker
	log     *zap.Logger
	timeout time.Duration
}

func NewHandler(ctx context.Context, rooms *Coordinator, queue Matchmaker, log *zap.Logger) *Handler {
	return &Handler{
		ctx:     ctx,
		rooms:   rooms,
		queue:   queue,
		log:     log.Named("handler"),
		timeout: eventTimeout,
	}
}

func (h *Handler) OnJoinQueue(ch domain.Channel, name string) {
	if name == "" {
		name = ch.Name()
	}
	ctx, cancel := h.eventContext()
	defer cancel()
	h.report(ch, domain.EventJoinQueue, h.queue.AddUser(ctx, ch, name))
}

func (h *Handler) OnLeaveRoom(ch domain.Channel) {
	ctx, cancel := h.eventContext()
	defer cancel()
	h.report(ch, domain.EventLeaveRoom, h.rooms.HandleRoomLeft(ctx, ch.ID()))
}

func (h *Handler) OnOffer(ch domain.Channel, p domain.SDPPayload) {
	ctx, cancel := h.eventContext()
	defer cancel()
	h.report(ch, domain.EventOffer, h.rooms.HandleUserPublish(ctx, ch, p))
}

func (h *Handler) OnAnswer(ch domain.Channel, p domain.SDPPayload) {
	ctx, cancel := h.eventContext()
	defer cancel()
	h.report(ch, domain.EventAnswer, h.rooms.HandleSubscribeAnswer(ctx, ch, p))
}

func (h *Handler) OnICECandidate(ch domain.Channel, p domain.ICECandidatePayload) {
	ctx, cancel := h.eventContext()
	defer cancel()
	h.report(ch, domain.EventICECandidate, h.rooms.HandleICECandidate(ctx, ch, p))
}

func (h *Handler) eventContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.ctx, h.timeout)
}

// OnDisconnect runs even while the server shuts down so that gateway
// sessions are still released.
func (h *Handler) OnDisconnect(ch domain.Channel) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), teardownTimeout)
	defer cancel()

	h.log.Info("participant disconnected", zap.String("participant", ch.ID()))
	h.queue.RemoveUser(ctx, ch.ID())
}

func (h *Handler) report(ch domain.Channel, event string, err error) {
	if err == nil {
		return
	}
	kind := ErrorKind(err)
	h.log.Warn("event failed",
		zap.String("participant", ch.ID()),
		zap.String("event", event),
		zap.String("kind", kind),
		zap.Error(err))
	ch.Emit(domain.EventError, domain.ErrorPayload{Kind: kind, Message: err.Error()})
}
