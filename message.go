package realtime

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// codec is the jsoniter instance used for every frame on the wire.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ChannelEventsList is the channel carrying catalogue-wide event updates.
const ChannelEventsList = "events:list"

// EventChannel returns the per-event channel name for an event id.
func EventChannel(eventID string) string {
	return "event:" + eventID
}

// Kind discriminates inbound server-to-client frames. The set is closed:
// new variants are added here, arbitrary shapes are never accepted.
type Kind string

const (
	KindHeartbeat    Kind = "heartbeat"
	KindEventCreated Kind = "event:created"
	KindEventUpdated Kind = "event:updated"
	KindTicketSold   Kind = "ticket:sold"
	KindRaffleResult Kind = "raffle:result"
)

type (
	// Message is an inbound server-to-client frame. Exactly one concrete
	// variant exists per Kind; the server is the sole producer.
	Message interface {
		// MessageKind returns the frame discriminator.
		MessageKind() Kind
		// MessageChannel returns the channel the frame routes on.
		// Heartbeats are connection-scoped and return "".
		MessageChannel() string
	}

	// Heartbeat is the periodic liveness frame, sent to every connection
	// regardless of room membership.
	Heartbeat struct {
		Kind Kind  `json:"kind"`
		TS   int64 `json:"ts"`
	}

	EventCreated struct {
		Kind    Kind   `json:"kind"`
		Channel string `json:"channel"`
		EventID string `json:"eventId"`
	}

	EventUpdated struct {
		Kind    Kind           `json:"kind"`
		Channel string         `json:"channel"`
		EventID string         `json:"eventId"`
		Changes map[string]any `json:"changes"`
	}

	TicketSold struct {
		Kind      Kind   `json:"kind"`
		Channel   string `json:"channel"`
		EventID   string `json:"eventId"`
		TicketID  string `json:"ticketId"`
		Remaining int    `json:"remaining"`
	}

	RaffleResult struct {
		Kind           Kind   `json:"kind"`
		Channel        string `json:"channel"`
		EventID        string `json:"eventId"`
		RaffleID       string `json:"raffleId"`
		WinnerTicketID string `json:"winnerTicketId"`
	}
)

func NewHeartbeat(ts time.Time) Heartbeat {
	return Heartbeat{Kind: KindHeartbeat, TS: ts.UnixMilli()}
}

func NewEventCreated(channel, eventID string) EventCreated {
	return EventCreated{Kind: KindEventCreated, Channel: channel, EventID: eventID}
}

func NewEventUpdated(channel, eventID string, changes map[string]any) EventUpdated {
	return EventUpdated{Kind: KindEventUpdated, Channel: channel, EventID: eventID, Changes: changes}
}

func NewTicketSold(channel, eventID, ticketID string, remaining int) TicketSold {
	return TicketSold{
		Kind:      KindTicketSold,
		Channel:   channel,
		EventID:   eventID,
		TicketID:  ticketID,
		Remaining: remaining,
	}
}

func NewRaffleResult(channel, eventID, raffleID, winnerTicketID string) RaffleResult {
	return RaffleResult{
		Kind:           KindRaffleResult,
		Channel:        channel,
		EventID:        eventID,
		RaffleID:       raffleID,
		WinnerTicketID: winnerTicketID,
	}
}

func (m Heartbeat) MessageKind() Kind    { return KindHeartbeat }
func (m EventCreated) MessageKind() Kind { return KindEventCreated }
func (m EventUpdated) MessageKind() Kind { return KindEventUpdated }
func (m TicketSold) MessageKind() Kind   { return KindTicketSold }
func (m RaffleResult) MessageKind() Kind { return KindRaffleResult }

func (m Heartbeat) MessageChannel() string    { return "" }
func (m EventCreated) MessageChannel() string { return m.Channel }
func (m EventUpdated) MessageChannel() string { return m.Channel }
func (m TicketSold) MessageChannel() string   { return m.Channel }
func (m RaffleResult) MessageChannel() string { return m.Channel }

// DecodeMessage parses and validates an inbound frame against the closed
// kind set. Callers drop frames failing with ErrMalformedFrame or
// ErrUnknownKind silently.
func DecodeMessage(data []byte) (Message, error) {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := codec.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	switch probe.Kind {
	case KindHeartbeat:
		var m Heartbeat
		if err := codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		return m, nil
	case KindEventCreated:
		var m EventCreated
		if err := codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		return m, nil
	case KindEventUpdated:
		var m EventUpdated
		if err := codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		return m, nil
	case KindTicketSold:
		var m TicketSold
		if err := codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		return m, nil
	case KindRaffleResult:
		var m RaffleResult
		if err := codec.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		return m, nil
	case "":
		return nil, errors.Wrap(ErrMalformedFrame, "missing kind")
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "kind %q", probe.Kind)
	}
}

// EncodeMessage serializes an inbound-side frame for transmission.
func EncodeMessage(m Message) ([]byte, error) {
	data, err := codec.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot encode %q frame", m.MessageKind())
	}
	return data, nil
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"

	// actionJoinEvent is the legacy single-purpose shape older clients use
	// to join a per-event room.
	actionJoinEvent = "join:event"
)

// Command is an outbound client-to-server frame.
type Command struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

func SubscribeCommand(channel string) Command {
	return Command{Action: actionSubscribe, Channel: channel}
}

func UnsubscribeCommand(channel string) Command {
	return Command{Action: actionUnsubscribe, Channel: channel}
}

func PingCommand() Command {
	return Command{Action: actionPing}
}

func JoinEventCommand(eventID string) Command {
	return Command{Action: actionJoinEvent, EventID: eventID}
}

func EncodeCommand(c Command) ([]byte, error) {
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot encode %q command", c.Action)
	}
	return data, nil
}

// DecodeCommand parses and validates an outbound-side frame on the server.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := codec.Unmarshal(data, &c); err != nil {
		return Command{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	switch c.Action {
	case actionSubscribe, actionUnsubscribe:
		if c.Channel == "" {
			return Command{}, errors.Wrapf(ErrMalformedFrame, "%s without channel", c.Action)
		}
	case actionJoinEvent:
		if c.EventID == "" {
			return Command{}, errors.Wrap(ErrMalformedFrame, "join:event without eventId")
		}
	case actionPing:
	case "":
		return Command{}, errors.Wrap(ErrMalformedFrame, "missing action")
	default:
		return Command{}, errors.Wrapf(ErrUnknownAction, "action %q", c.Action)
	}

	return c, nil
}
