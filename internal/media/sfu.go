package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	sfuPrefix = "sfu:"
	// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
	rtpBufferSize = 1500
)

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// SendFunc delivers a signaling message to one WebSocket client.
type SendFunc func(event string, payload interface{})

// SFU is a selective forwarding unit with one room per session. Any user granted publish
// rights (broadcaster, co-presenters) may attach a publisher peer; every subscriber
// receives the tracks of every publisher.
type SFU struct {
	rooms    map[uuid.UUID]*sfuRoom
	mu       sync.RWMutex
	log      *zap.Logger
	cfg      webrtc.Configuration
	notifier Notifier
}

type sfuRoom struct {
	sessionID   uuid.UUID
	allowed     map[uuid.UUID]struct{}
	publishers  map[uuid.UUID]*publisherPeer
	subscribers map[string]*subscriberPeer
	mu          sync.RWMutex
	log         *zap.Logger
}

type publisherPeer struct {
	pc     *webrtc.PeerConnection
	tracks []*relayTrack
}

type relayTrack struct {
	remote *webrtc.TrackRemote
	locals []*webrtc.TrackLocalStaticRTP
	mu     sync.Mutex
}

type subscriberPeer struct {
	userID uuid.UUID
	pc     *webrtc.PeerConnection
	send   SendFunc
}

// NewSFU creates an SFU with the given ICE (STUN/TURN) server URLs.
func NewSFU(log *zap.Logger, iceURLs []string) *SFU {
	if log == nil {
		log = zap.NewNop()
	}
	return &SFU{
		rooms: make(map[uuid.UUID]*sfuRoom),
		log:   log,
		cfg:   webrtc.Configuration{ICEServers: parseICEServers(iceURLs)},
	}
}

// SetNotifier sets where grant and track notifications are sent.
func (s *SFU) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

func (s *SFU) notify(sessionID, userID uuid.UUID, event string, payload interface{}) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n != nil {
		n.SendToUser(sessionID, userID, event, payload)
	}
}

func sfuSession(h Handle) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(string(h), sfuPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownCall, h)
	}
	return uuid.Parse(raw)
}

func (s *SFU) getRoom(sessionID uuid.UUID) *sfuRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[sessionID]
}

func (s *SFU) roomFor(h Handle) (*sfuRoom, error) {
	sessionID, err := sfuSession(h)
	if err != nil {
		return nil, err
	}
	r := s.getRoom(sessionID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, h)
	}
	return r, nil
}

// CreateBroadcastCall opens the room for a session.
func (s *SFU) CreateBroadcastCall(_ context.Context, sessionID uuid.UUID) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[sessionID]; !ok {
		s.rooms[sessionID] = &sfuRoom{
			sessionID:   sessionID,
			allowed:     make(map[uuid.UUID]struct{}),
			publishers:  make(map[uuid.UUID]*publisherPeer),
			subscribers: make(map[string]*subscriberPeer),
			log:         s.log.With(zap.String("session_id", sessionID.String())),
		}
	}
	return Handle(sfuPrefix + sessionID.String()), nil
}

// JoinAsViewer checks the room exists. The peer connection itself is negotiated over
// the WebSocket with HandleSubscribe.
func (s *SFU) JoinAsViewer(_ context.Context, h Handle, userID uuid.UUID) (*Subscription, error) {
	r, err := s.roomFor(h)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	_, canPublish := r.allowed[userID]
	r.mu.RUnlock()
	return &Subscription{Handle: h, Backend: "sfu", UserID: userID, CanPublish: canPublish}, nil
}

// GrantPublishRights lets userID attach a publisher peer and tells their clients to start.
func (s *SFU) GrantPublishRights(_ context.Context, h Handle, userID uuid.UUID) error {
	r, err := s.roomFor(h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.allowed[userID] = struct{}{}
	r.mu.Unlock()
	s.notify(r.sessionID, userID, EventPublishGranted, map[string]string{"handle": string(h), "backend": "sfu"})
	return nil
}

// RevokePublishRights removes the grant and closes the user's publisher peer.
func (s *SFU) RevokePublishRights(_ context.Context, h Handle, userID uuid.UUID) error {
	r, err := s.roomFor(h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.allowed, userID)
	r.mu.Unlock()
	if r.closePublisher(userID) {
		r.notifySubscribers()
	}
	s.notify(r.sessionID, userID, EventPublishRevoked, map[string]string{"handle": string(h)})
	return nil
}

// Leave drops every peer the user holds in the room.
func (s *SFU) Leave(_ context.Context, h Handle, userID uuid.UUID) error {
	r, err := s.roomFor(h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.allowed, userID)
	for clientID, sub := range r.subscribers {
		if sub.userID == userID {
			delete(r.subscribers, clientID)
			_ = sub.pc.Close()
		}
	}
	r.mu.Unlock()
	if r.closePublisher(userID) {
		r.notifySubscribers()
	}
	return nil
}

// EndCall closes every peer and removes the room. Unknown handles are ignored.
func (s *SFU) EndCall(_ context.Context, h Handle) error {
	sessionID, err := sfuSession(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	r := s.rooms[sessionID]
	delete(s.rooms, sessionID)
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pub := range r.publishers {
		_ = pub.pc.Close()
	}
	for _, sub := range r.subscribers {
		_ = sub.pc.Close()
	}
	r.publishers = map[uuid.UUID]*publisherPeer{}
	r.subscribers = map[string]*subscriberPeer{}
	return nil
}

func (s *SFU) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	return api.NewPeerConnection(s.cfg)
}

// HandlePublisherOffer answers an SDP offer from a granted user. Offers from users without
// publish rights fail with ErrPublishDenied.
func (s *SFU) HandlePublisherOffer(sessionID, userID uuid.UUID, sdp webrtc.SessionDescription, send SendFunc) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return ErrUnknownCall
	}
	r.mu.RLock()
	_, ok := r.allowed[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrPublishDenied
	}
	r.closePublisher(userID)

	pc, err := s.newPeerConnection()
	if err != nil {
		return err
	}
	pub := &publisherPeer{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		send("webrtc_ice", map[string]interface{}{"target": "publisher", "candidate": json.RawMessage(b)})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		relay := &relayTrack{remote: track}
		r.mu.Lock()
		pub.tracks = append(pub.tracks, relay)
		r.mu.Unlock()
		r.relayTrackToSubscribers(relay)
		r.notifySubscribers()
		go relay.readAndForward()
	})

	if err := pc.SetRemoteDescription(sdp); err != nil {
		_ = pc.Close()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return err
	}

	r.mu.Lock()
	r.publishers[userID] = pub
	r.mu.Unlock()

	send("webrtc_publisher_answer", map[string]interface{}{
		"type": answer.Type.String(),
		"sdp":  answer.SDP,
	})
	return nil
}

func (rt *relayTrack) readAndForward() {
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := rt.remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		// Copy the subscriber list under lock so one slow subscriber does not block others.
		rt.mu.Lock()
		locals := make([]*webrtc.TrackLocalStaticRTP, len(rt.locals))
		copy(locals, rt.locals)
		rt.mu.Unlock()
		for _, local := range locals {
			_, _ = local.Write(buf[:n])
		}
		rtpBufferPool.Put(ptr)
	}
}

func (rt *relayTrack) attach(pc *webrtc.PeerConnection) {
	local, err := webrtc.NewTrackLocalStaticRTP(rt.remote.Codec().RTPCodecCapability, rt.remote.ID(), rt.remote.StreamID())
	if err != nil {
		return
	}
	rt.mu.Lock()
	rt.locals = append(rt.locals, local)
	rt.mu.Unlock()
	_, _ = pc.AddTrack(local)
}

func (r *sfuRoom) relayTrackToSubscribers(relay *relayTrack) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subscribers {
		relay.attach(sub.pc)
	}
}

// notifySubscribers asks every subscriber to renegotiate after the track set changed.
func (r *sfuRoom) notifySubscribers() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subscribers {
		sub.send(EventTracksChanged, map[string]int{"publishers": len(r.publishers)})
	}
}

// closePublisher reports whether a publisher peer existed.
func (r *sfuRoom) closePublisher(userID uuid.UUID) bool {
	r.mu.Lock()
	pub, ok := r.publishers[userID]
	delete(r.publishers, userID)
	r.mu.Unlock()
	if ok {
		_ = pub.pc.Close()
	}
	return ok
}

// HandlePublisherICE adds an ICE candidate to the user's publisher peer.
func (s *SFU) HandlePublisherICE(sessionID, userID uuid.UUID, candidate webrtc.ICECandidateInit) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	pub := r.publishers[userID]
	r.mu.RUnlock()
	if pub != nil {
		return pub.pc.AddICECandidate(candidate)
	}
	return nil
}

// HandleSubscribe creates a subscriber peer for a WebSocket client and sends the offer.
func (s *SFU) HandleSubscribe(sessionID, userID uuid.UUID, clientID string, send SendFunc) error {
	r := s.getRoom(sessionID)
	if r == nil {
		send("webrtc_error", map[string]string{"message": "no_stream"})
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.publishers) == 0 {
		send("webrtc_error", map[string]string{"message": "no_stream"})
		return nil
	}
	if old, ok := r.subscribers[clientID]; ok {
		_ = old.pc.Close()
		delete(r.subscribers, clientID)
	}

	pc, err := s.newPeerConnection()
	if err != nil {
		return err
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		send("webrtc_ice", map[string]interface{}{"target": "subscriber", "candidate": json.RawMessage(b)})
	})
	for _, pub := range r.publishers {
		for _, relay := range pub.tracks {
			relay.attach(pc)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return err
	}
	r.subscribers[clientID] = &subscriberPeer{userID: userID, pc: pc, send: send}
	send("webrtc_subscriber_offer", map[string]interface{}{
		"type": offer.Type.String(),
		"sdp":  offer.SDP,
	})
	return nil
}

// HandleSubscriberAnswer sets the remote description (answer) for the subscriber peer.
func (s *SFU) HandleSubscriberAnswer(sessionID uuid.UUID, clientID string, sdp webrtc.SessionDescription) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sub, ok := r.subscribers[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return sub.pc.SetRemoteDescription(sdp)
}

// HandleSubscriberICE adds an ICE candidate to the subscriber peer.
func (s *SFU) HandleSubscriberICE(sessionID uuid.UUID, clientID string, candidate webrtc.ICECandidateInit) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sub, ok := r.subscribers[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return sub.pc.AddICECandidate(candidate)
}

// UnregisterClient closes a WebSocket client's subscriber peer.
func (s *SFU) UnregisterClient(sessionID uuid.UUID, clientID string) {
	r := s.getRoom(sessionID)
	if r == nil {
		return
	}
	r.mu.Lock()
	if sub, ok := r.subscribers[clientID]; ok {
		delete(r.subscribers, clientID)
		_ = sub.pc.Close()
	}
	r.mu.Unlock()
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

func parseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}
