package relay

import (
	"strconv"
	"sync"

	"github.com/nodecrypt/relay-go/codec"
	"github.com/nodecrypt/relay-go/observability"
	"github.com/nodecrypt/relay-go/relayerr"
)

// channel is one named room: a set of joined ClientSessions.
//
// Created lazily on first join, destroyed when empty (spec §3).
type channel struct {
	name    string
	lock    sync.Mutex
	members map[string]*ClientSession
}

// ChannelRegistry maps channel name to the set of joined client
// sessions and implements join/leave/broadcast/unicast/list.
//
// Grounded on tunnel/server/server.go's channelState + addEndpoint +
// pump, generalized from that teacher's 2-role pairing model to
// NodeCrypt's N-member membership-set model.
type ChannelRegistry struct {
	mu       sync.Mutex
	channels map[string]*channel
	observer observability.RelayObserver
}

// NewChannelRegistry builds an empty registry.
func NewChannelRegistry(observer observability.RelayObserver) *ChannelRegistry {
	if observer == nil {
		observer = observability.NoopRelayObserver
	}
	return &ChannelRegistry{
		channels: make(map[string]*channel),
		observer: observer,
	}
}

// Join adds session to channelName under userName.
//
// The new joiner is sent its own client_list first, so it learns its
// own client_id and the pre-existing members before any other message
// can arrive (spec §4.5); the registry then broadcasts the updated
// list to every member, including the joiner, which is why a freshly
// joined client observes exactly two `l` frames (the ChatClient
// two-frame warmup, spec §4.7).
func (r *ChannelRegistry) Join(session *ClientSession, channelName, userName string) error {
	if session.Channel() != "" {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageChannel, relayerr.CodeProtocolViolation, errAlreadyJoined)
	}

	r.mu.Lock()
	ch, ok := r.channels[channelName]
	if !ok {
		ch = &channel{name: channelName, members: make(map[string]*ClientSession)}
		r.channels[channelName] = ch
	}
	r.mu.Unlock()

	session.setChannel(channelName, userName)

	ch.mu().Lock()
	ch.members[session.ID()] = session
	list := buildListEnvelope(ch)
	ch.mu().Unlock()

	r.observer.Join(channelName)
	r.observer.ChannelCount(r.channelCount())

	if err := session.sendSecured(list); err != nil {
		return err
	}
	r.broadcastList(ch)
	return nil
}

// Leave removes session from its channel (a no-op if it never joined)
// and broadcasts the updated client_list to the remaining members.
func (r *ChannelRegistry) Leave(session *ClientSession) {
	channelName := session.Channel()
	if channelName == "" {
		return
	}

	r.mu.Lock()
	ch, ok := r.channels[channelName]
	r.mu.Unlock()
	if !ok {
		return
	}

	ch.mu().Lock()
	delete(ch.members, session.ID())
	empty := len(ch.members) == 0
	ch.mu().Unlock()

	r.observer.Leave(channelName)

	if empty {
		r.mu.Lock()
		delete(r.channels, channelName)
		r.mu.Unlock()
		r.observer.ChannelCount(r.channelCount())
		return
	}
	r.broadcastList(ch)
}

// ForwardBroadcast re-encrypts inner under every other member's outer
// key and sends it; the sender is never echoed.
func (r *ChannelRegistry) ForwardBroadcast(sender *ClientSession, inner codec.Envelope) {
	channelName := sender.Channel()
	r.mu.Lock()
	ch, ok := r.channels[channelName]
	r.mu.Unlock()
	if !ok {
		return
	}

	inner = withSenderIdentity(inner, sender)

	ch.mu().Lock()
	recipients := make([]*ClientSession, 0, len(ch.members))
	for id, member := range ch.members {
		if id == sender.ID() {
			continue
		}
		recipients = append(recipients, member)
	}
	ch.mu().Unlock()

	for _, recipient := range recipients {
		_ = recipient.sendSecured(inner)
		r.observer.Forward(observability.ForwardBroadcast)
	}
}

// ForwardUnicast re-encrypts inner under target's outer key only. A
// target absent from the channel is dropped silently — the inner
// layer is opaque to the relay, so UnknownTarget cannot be signalled
// to the sender (spec §4.5/§7).
func (r *ChannelRegistry) ForwardUnicast(sender *ClientSession, targetClientID string, inner codec.Envelope) {
	channelName := sender.Channel()
	r.mu.Lock()
	ch, ok := r.channels[channelName]
	r.mu.Unlock()
	if !ok {
		return
	}

	ch.mu().Lock()
	target, ok := ch.members[targetClientID]
	ch.mu().Unlock()
	if !ok {
		r.observer.Close(observability.CloseReasonUnknownTarget)
		return
	}

	inner = withSenderIdentity(inner, sender)
	_ = target.sendSecured(inner)
	r.observer.Forward(observability.ForwardUnicast)
}

func (r *ChannelRegistry) broadcastList(ch *channel) {
	ch.mu().Lock()
	list := buildListEnvelope(ch)
	recipients := make([]*ClientSession, 0, len(ch.members))
	for _, member := range ch.members {
		recipients = append(recipients, member)
	}
	ch.mu().Unlock()

	for _, recipient := range recipients {
		_ = recipient.sendSecured(list)
	}
}

func (r *ChannelRegistry) channelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// withSenderIdentity returns inner with client_id/user_name overwritten
// to the sender's own identity — the only fields the relay is allowed
// to touch (spec §4.4).
func withSenderIdentity(inner codec.Envelope, sender *ClientSession) codec.Envelope {
	out := make(codec.Envelope, len(inner))
	for k, v := range inner {
		out[k] = v
	}
	out["client_id"] = sender.ID()
	out["user_name"] = sender.UserName()
	return out
}

func buildListEnvelope(ch *channel) codec.Envelope {
	env := codec.New("l")
	i := 0
	for id, member := range ch.members {
		env["client_id_"+strconv.Itoa(i)] = id
		env["user_name_"+strconv.Itoa(i)] = member.UserName()
		i++
	}
	env["count"] = strconv.Itoa(len(ch.members))
	return env
}

// mu exposes the per-channel lock without widening the exported
// surface of the channel type itself.
func (c *channel) mu() *sync.Mutex {
	return &c.lock
}
