package lobby

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

// Compile-time interface check.
var _ Backend = (*MemoryBackend)(nil)

// MemoryService is an in-process presence service. Every user registered
// with it is a friend of every other user. Each user talks to it through
// its own MemoryBackend.
type MemoryService struct {
	mu        sync.Mutex
	reachable bool
	nextLobby protocol.LobbyID
	users     map[protocol.FriendID]*memoryUser
	order     []protocol.FriendID
	lobbies   map[protocol.LobbyID]*memoryLobby
}

type memoryUser struct {
	name    string
	app     protocol.AppID
	lobby   protocol.LobbyID
	invites chan JoinRequest
}

type memoryLobby struct {
	owner      protocol.FriendID
	app        protocol.AppID
	joinable   bool
	maxPlayers int
	data       map[string]string
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		reachable: true,
		users:     make(map[protocol.FriendID]*memoryUser),
		lobbies:   make(map[protocol.LobbyID]*memoryLobby),
	}
}

// SetReachable simulates the service going down or coming back.
func (s *MemoryService) SetReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = ok
}

// Backend registers id (if new) and returns its view of the service.
func (s *MemoryService) Backend(id protocol.FriendID, name string, app protocol.AppID) *MemoryBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.register(id, name, app)
	return &MemoryBackend{svc: s, self: id}
}

// SetPresence sets what a user is playing and which lobby they show.
// Users that never call Backend can be seeded this way.
func (s *MemoryService) SetPresence(f protocol.FriendEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.register(f.ID, f.Name, f.AppID)
	u.name = f.Name
	u.app = f.AppID
	u.lobby = f.LobbyID
}

// Invite queues a join request from one user to another for the lobby the
// sender is currently in.
func (s *MemoryService) Invite(from, to protocol.FriendID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.users[from]
	if !ok || sender.lobby == 0 {
		return false
	}
	target, ok := s.users[to]
	if !ok {
		return false
	}
	select {
	case target.invites <- JoinRequest{FriendID: from, LobbyID: sender.lobby}:
		return true
	default:
		return false
	}
}

// LobbyData returns a copy of a lobby's metadata.
func (s *MemoryService) LobbyData(id protocol.LobbyID) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(l.data), true
}

func (s *MemoryService) LobbyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lobbies)
}

func (s *MemoryService) register(id protocol.FriendID, name string, app protocol.AppID) *memoryUser {
	u, ok := s.users[id]
	if !ok {
		u = &memoryUser{name: name, app: app, invites: make(chan JoinRequest, 8)}
		s.users[id] = u
		s.order = append(s.order, id)
	}
	return u
}

// MemoryBackend is one user's view of a MemoryService.
type MemoryBackend struct {
	svc  *MemoryService
	self protocol.FriendID
}

func (b *MemoryBackend) Self() protocol.FriendID { return b.self }

func (b *MemoryBackend) CreateLobby(_ context.Context, app protocol.AppID, joinable bool, maxPlayers int) (protocol.LobbyID, error) {
	s := b.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reachable {
		return 0, ErrUnreachable
	}
	s.nextLobby++
	id := s.nextLobby
	s.lobbies[id] = &memoryLobby{
		owner:      b.self,
		app:        app,
		joinable:   joinable,
		maxPlayers: maxPlayers,
		data:       make(map[string]string),
	}
	u := s.users[b.self]
	u.app = app
	u.lobby = id
	return id, nil
}

func (b *MemoryBackend) SetLobbyJoinable(_ context.Context, id protocol.LobbyID, joinable bool) error {
	s := b.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reachable {
		return ErrUnreachable
	}
	l, ok := s.lobbies[id]
	if !ok || l.owner != b.self {
		return ErrLobbyNotFound
	}
	l.joinable = joinable
	return nil
}

func (b *MemoryBackend) SetLobbyData(_ context.Context, id protocol.LobbyID, key, value string) error {
	s := b.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reachable {
		return ErrUnreachable
	}
	l, ok := s.lobbies[id]
	if !ok || l.owner != b.self {
		return ErrLobbyNotFound
	}
	l.data[key] = value
	return nil
}

func (b *MemoryBackend) DeleteLobby(_ context.Context, id protocol.LobbyID) error {
	s := b.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reachable {
		return ErrUnreachable
	}
	l, ok := s.lobbies[id]
	if !ok || l.owner != b.self {
		return ErrLobbyNotFound
	}
	delete(s.lobbies, id)
	if u := s.users[b.self]; u.lobby == id {
		u.lobby = 0
	}
	return nil
}

// Friends lists every other user. A lobby that is not joinable is shown
// as lobby 0, the way a private lobby is hidden from friends.
func (b *MemoryBackend) Friends(_ context.Context) ([]protocol.FriendEntry, error) {
	s := b.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reachable {
		return nil, ErrUnreachable
	}
	out := make([]protocol.FriendEntry, 0, len(s.order))
	for _, id := range slices.Clone(s.order) {
		if id == b.self {
			continue
		}
		u := s.users[id]
		entry := protocol.FriendEntry{ID: id, Name: u.name, AppID: u.app, LobbyID: u.lobby}
		if l, ok := s.lobbies[u.lobby]; ok && !l.joinable {
			entry.LobbyID = 0
		}
		out = append(out, entry)
	}
	return out, nil
}

func (b *MemoryBackend) JoinRequests() <-chan JoinRequest {
	s := b.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[b.self].invites
}
