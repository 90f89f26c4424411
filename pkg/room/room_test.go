package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/epw80/studyhall/pkg/crypto"
	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/message"
	"github.com/epw80/studyhall/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testSettings = Settings{
	MaxMembersCeiling: 10,
	TTL:               24 * time.Hour,
	ReconnectWindow:   10 * time.Minute,
	MessageTTL:        7 * 24 * time.Hour,
	TotalRounds:       5,
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore(storage.WithClock(clock.Now))
	hasher := crypto.NewArgon2idHasher(1, 1024, 16, 8, 1)
	return NewService(store, hasher, testSettings, nil, WithClock(clock.Now)), store, clock
}

func createRoom(t *testing.T, s *Service, owner string, maxMembers int) *Room {
	t.Helper()
	r, err := s.CreateRoom(context.Background(), CreateRequest{
		OwnerID: owner, Name: "evening study", Level: "A1", MaxMembers: maxMembers,
	})
	require.NoError(t, err)
	return r
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to GameStatus
		want     bool
	}{
		{GameNone, GameWaiting, true},
		{GameNone, GamePlaying, false},
		{GameWaiting, GamePlaying, true},
		{GameWaiting, GameFinished, false},
		{GamePlaying, GameRoundEnd, true},
		{GamePlaying, GameFinished, false},
		{GameRoundEnd, GamePlaying, true},
		{GameRoundEnd, GameFinished, true},
		{GameFinished, GameWaiting, true},
		{GameFinished, GamePlaying, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestGameStatus_Predicates(t *testing.T) {
	assert.True(t, GameNone.CanStartGame())
	assert.True(t, GameFinished.CanStartGame())
	assert.False(t, GameWaiting.CanStartGame())
	assert.False(t, GameRoundEnd.CanStartGame())

	assert.True(t, GamePlaying.IsGameActive())
	assert.True(t, GameRoundEnd.IsGameActive())
	assert.False(t, GameWaiting.IsGameActive())
	assert.False(t, GameFinished.IsGameActive())
}

func TestCreateRoom_Capacity(t *testing.T) {
	tests := []struct {
		name       string
		maxMembers int
		wantErr    error
	}{
		{name: "too small", maxMembers: 1, wantErr: ErrInvalidCapacity},
		{name: "zero", maxMembers: 0, wantErr: ErrInvalidCapacity},
		{name: "above ceiling", maxMembers: 11, wantErr: ErrInvalidCapacity},
		{name: "minimum", maxMembers: 2},
		{name: "ceiling", maxMembers: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestService(t)
			r, err := s.CreateRoom(context.Background(), CreateRequest{
				OwnerID: "owner", Name: "room", Level: "A1", MaxMembers: tt.maxMembers,
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, r.CurrentMembers)
			assert.Equal(t, []string{"owner"}, r.MemberIDs)
			assert.Equal(t, GameNone, r.GameStatus)
			assert.Equal(t, StatusWaiting, r.RoomStatus)
		})
	}
}

func TestCreateRoom_Validation(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateRoom(ctx, CreateRequest{OwnerID: "owner", Level: "A1", MaxMembers: 4})
	assert.ErrorIs(t, err, ErrInvalidRoom)

	_, err = s.CreateRoom(ctx, CreateRequest{OwnerID: "owner", Name: "x", Level: "A#1", MaxMembers: 4})
	assert.ErrorIs(t, err, ErrInvalidRoom)

	_, err = s.CreateRoom(ctx, CreateRequest{OwnerID: "owner", Name: "x", Level: "A1", MaxMembers: 4, IsPrivate: true})
	assert.ErrorIs(t, err, ErrInvalidRoom, "private rooms need a password")
}

func TestCreateRoom_PrivateStoresHash(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()

	r, err := s.CreateRoom(ctx, CreateRequest{
		OwnerID: "owner", Name: "secret", Level: "B1", MaxMembers: 4, IsPrivate: true, Password: "hunter2",
	})
	require.NoError(t, err)

	key, err := keys.RoomKey(r.RoomID)
	require.NoError(t, err)
	item, err := store.Get(ctx, key)
	require.NoError(t, err)
	hash := item.String("passwordHash")
	assert.NotEmpty(t, hash)
	assert.NotContains(t, hash, "hunter2")
	assert.Contains(t, hash, "$argon2id$")

	_, err = s.Join(ctx, r.RoomID, "u2", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	joined, err := s.Join(ctx, r.RoomID, "u2", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, 2, joined.CurrentMembers)
}

func TestJoin_Idempotent(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)

	first, err := s.Join(ctx, r.RoomID, "u2", "")
	require.NoError(t, err)
	second, err := s.Join(ctx, r.RoomID, "u2", "")
	require.NoError(t, err)

	assert.Equal(t, 2, first.CurrentMembers)
	assert.Equal(t, 2, second.CurrentMembers)
	assert.ElementsMatch(t, []string{"owner", "u2"}, second.MemberIDs)
}

func TestJoin_FullRoom(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 2)

	_, err := s.Join(ctx, r.RoomID, "u2", "")
	require.NoError(t, err)

	_, err = s.Join(ctx, r.RoomID, "u3", "")
	assert.ErrorIs(t, err, ErrRoomFull)

	got, err := s.GetRoom(ctx, r.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentMembers)
	assert.False(t, got.HasMember("u3"))
}

func TestJoin_Concurrent(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 5)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		joined  int
		badErrs []error
	)
	for _, u := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := s.Join(ctx, r.RoomID, userID, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, ErrRoomFull), errors.Is(err, ErrConcurrentUpdate):
			default:
				badErrs = append(badErrs, err)
			}
		}(u)
	}
	wg.Wait()

	assert.Empty(t, badErrs)
	got, err := s.GetRoom(ctx, r.RoomID)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.CurrentMembers, got.MaxMembers)
	assert.Equal(t, joined+1, got.CurrentMembers)
	assert.Len(t, got.MemberIDs, got.CurrentMembers)
}

func TestJoin_UnknownRoom(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.Join(context.Background(), "nope", "u1", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = s.Join(context.Background(), "nope", "u#1", "")
	assert.ErrorIs(t, err, keys.ErrMalformedKey)
}

func TestLeave_OwnerHandOff(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)
	for _, u := range []string{"zed", "amy"} {
		_, err := s.Join(ctx, r.RoomID, u, "")
		require.NoError(t, err)
	}

	left, err := s.Leave(ctx, r.RoomID, "owner")
	require.NoError(t, err)
	assert.Equal(t, 2, left.CurrentMembers)
	assert.Equal(t, "amy", left.OwnerID)
	assert.False(t, left.Closed())

	_, err = s.Leave(ctx, r.RoomID, "owner")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestLeave_LastMemberClosesRoom(t *testing.T) {
	s, _, clock := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)

	_, err := s.TransitionGameStatus(ctx, r.RoomID, GameWaiting)
	require.NoError(t, err)

	closed, err := s.Leave(ctx, r.RoomID, "owner")
	require.NoError(t, err)
	assert.True(t, closed.Closed())
	assert.Zero(t, closed.CurrentMembers)
	assert.Empty(t, closed.MemberIDs)
	assert.Equal(t, GameFinished, closed.GameStatus)
	assert.Equal(t, clock.Now().Add(testSettings.ReconnectWindow).Unix(), closed.ExpiresAt)

	_, err = s.TransitionGameStatus(ctx, r.RoomID, GameWaiting)
	assert.ErrorIs(t, err, ErrIllegalTransition, "a closed room runs no games")

	// rejoin inside the reconnect window reopens the room
	clock.Advance(5 * time.Minute)
	reopened, err := s.Join(ctx, r.RoomID, "u2", "")
	require.NoError(t, err)
	assert.False(t, reopened.Closed())
	assert.Equal(t, "u2", reopened.OwnerID)
	assert.Equal(t, 1, reopened.CurrentMembers)
	assert.True(t, reopened.CanStartGame())
}

func TestLeave_ClosedRoomExpires(t *testing.T) {
	s, _, clock := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)

	_, err := s.Leave(ctx, r.RoomID, "owner")
	require.NoError(t, err)

	clock.Advance(testSettings.ReconnectWindow + time.Second)
	_, err = s.GetRoom(ctx, r.RoomID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = s.Join(ctx, r.RoomID, "owner", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestTransitionGameStatus(t *testing.T) {
	s, _, clock := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)

	ok, err := s.CanStartGame(ctx, r.RoomID)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Minute)
	waiting, err := s.TransitionGameStatus(ctx, r.RoomID, GameWaiting)
	require.NoError(t, err)
	assert.Equal(t, GameWaiting, waiting.GameStatus)
	assert.True(t, waiting.LastMessageAt.Equal(clock.Now()))
	assert.True(t, waiting.UpdatedAt.After(r.UpdatedAt))

	_, err = s.TransitionGameStatus(ctx, r.RoomID, GameFinished)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	got, err := s.GetRoom(ctx, r.RoomID)
	require.NoError(t, err)
	assert.Equal(t, GameWaiting, got.GameStatus, "failed transitions change nothing")

	playing, err := s.TransitionGameStatus(ctx, r.RoomID, GamePlaying)
	require.NoError(t, err)
	assert.Equal(t, StatusPlaying, playing.RoomStatus)
	assert.Equal(t, 1, playing.GameSession)
	assert.Equal(t, 5, playing.TotalRounds)

	active, err := s.IsGameActive(ctx, r.RoomID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestListActiveGames(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	playing := createRoom(t, s, "owner", 4)
	idle := createRoom(t, s, "other", 4)
	leaving := createRoom(t, s, "solo", 4)

	activeIDs := func() []string {
		t.Helper()
		rooms, next, err := s.ListActiveGames(ctx, 10, "")
		require.NoError(t, err)
		assert.Empty(t, next)
		var ids []string
		for _, r := range rooms {
			ids = append(ids, r.RoomID)
		}
		return ids
	}

	for _, id := range []string{playing.RoomID, idle.RoomID, leaving.RoomID} {
		_, err := s.TransitionGameStatus(ctx, id, GameWaiting)
		require.NoError(t, err)
	}
	assert.Empty(t, activeIDs(), "waiting rooms have no open round")

	for _, id := range []string{playing.RoomID, leaving.RoomID} {
		_, err := s.TransitionGameStatus(ctx, id, GamePlaying)
		require.NoError(t, err)
	}
	assert.ElementsMatch(t, []string{playing.RoomID, leaving.RoomID}, activeIDs())

	_, err := s.TransitionGameStatus(ctx, playing.RoomID, GameRoundEnd)
	require.NoError(t, err)
	_, err = s.Leave(ctx, leaving.RoomID, "solo")
	require.NoError(t, err)
	assert.Empty(t, activeIDs())

	_, err = s.TransitionGameStatus(ctx, playing.RoomID, GamePlaying)
	require.NoError(t, err)
	assert.Equal(t, []string{playing.RoomID}, activeIDs())

	all, _, err := s.ListRooms(ctx, "", 10, "")
	require.NoError(t, err)
	assert.Len(t, all, 3, "the general listing is unaffected")
}

func TestTransition_RoundGuards(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)

	setRound := func(n int) Mutator {
		return func(_ *Room, p *storage.Patch) error {
			p.Set("currentRound", n)
			return nil
		}
	}

	_, err := s.TransitionGameStatus(ctx, r.RoomID, GameWaiting)
	require.NoError(t, err)
	_, err = s.Transition(ctx, r.RoomID, GamePlaying, setRound(1))
	require.NoError(t, err)
	_, err = s.TransitionGameStatus(ctx, r.RoomID, GameRoundEnd)
	require.NoError(t, err)

	_, err = s.TransitionGameStatus(ctx, r.RoomID, GameFinished)
	assert.ErrorIs(t, err, ErrIllegalTransition, "rounds remain")

	_, err = s.Transition(ctx, r.RoomID, GamePlaying, setRound(5))
	require.NoError(t, err)
	_, err = s.TransitionGameStatus(ctx, r.RoomID, GameRoundEnd)
	require.NoError(t, err)

	_, err = s.TransitionGameStatus(ctx, r.RoomID, GamePlaying)
	assert.ErrorIs(t, err, ErrIllegalTransition, "no rounds left")

	finished, err := s.TransitionGameStatus(ctx, r.RoomID, GameFinished)
	require.NoError(t, err)
	assert.True(t, finished.CanStartGame())
	assert.Equal(t, StatusWaiting, finished.RoomStatus)
}

func TestTransition_MutatorErrorAborts(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)

	boom := errors.New("boom")
	_, err := s.Transition(ctx, r.RoomID, GameWaiting, func(*Room, *storage.Patch) error { return boom })
	assert.ErrorIs(t, err, boom)

	got, err := s.GetRoom(ctx, r.RoomID)
	require.NoError(t, err)
	assert.Equal(t, GameNone, got.GameStatus)
}

func TestUpdateSettings(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)
	_, err := s.Join(ctx, r.RoomID, "u2", "")
	require.NoError(t, err)
	_, err = s.Join(ctx, r.RoomID, "u3", "")
	require.NoError(t, err)

	level := "B2"
	_, err = s.UpdateSettings(ctx, r.RoomID, "u2", SettingsUpdate{Level: &level})
	assert.ErrorIs(t, err, ErrForbidden)

	two := 2
	_, err = s.UpdateSettings(ctx, r.RoomID, "owner", SettingsUpdate{MaxMembers: &two})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	eleven := 11
	_, err = s.UpdateSettings(ctx, r.RoomID, "owner", SettingsUpdate{MaxMembers: &eleven})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	name := "late night"
	updated, err := s.UpdateSettings(ctx, r.RoomID, "owner", SettingsUpdate{Name: &name, Level: &level})
	require.NoError(t, err)
	assert.Equal(t, "late night", updated.Name)
	assert.Equal(t, "B2", updated.Level)

	a1, _, err := s.ListRooms(ctx, "A1", 10, "")
	require.NoError(t, err)
	assert.Empty(t, a1)
	b2, _, err := s.ListRooms(ctx, "B2", 10, "")
	require.NoError(t, err)
	require.Len(t, b2, 1)
	assert.Equal(t, r.RoomID, b2[0].RoomID)

	_, err = s.UpdateSettings(ctx, "missing", "owner", SettingsUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestListRooms_NewestFirst(t *testing.T) {
	s, _, clock := newTestService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, createRoom(t, s, "owner", 4).RoomID)
		clock.Advance(time.Minute)
	}
	_, err := s.CreateRoom(ctx, CreateRequest{OwnerID: "owner", Name: "other", Level: "C1", MaxMembers: 4})
	require.NoError(t, err)

	var got []string
	cursor := ""
	for {
		rooms, next, err := s.ListRooms(ctx, "A1", 2, cursor)
		require.NoError(t, err)
		for _, r := range rooms {
			got = append(got, r.RoomID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, got)

	all, _, err := s.ListRooms(ctx, "", 10, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestDeleteRoom(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)
	_, err := s.Join(ctx, r.RoomID, "u2", "")
	require.NoError(t, err)
	_, err = s.PostMessage(ctx, r.RoomID, "u2", "bob", "hello")
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteRoom(ctx, r.RoomID, "u2"), ErrForbidden)
	require.NoError(t, s.DeleteRoom(ctx, r.RoomID, "owner"))

	_, err = s.GetRoom(ctx, r.RoomID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Zero(t, store.Len(), "messages are removed with the room")

	assert.ErrorIs(t, s.DeleteRoom(ctx, r.RoomID, "owner"), ErrRoomNotFound)
}

func TestMessages(t *testing.T) {
	s, _, clock := newTestService(t)
	ctx := context.Background()
	r := createRoom(t, s, "owner", 4)

	_, err := s.PostMessage(ctx, r.RoomID, "stranger", "eve", "hi")
	assert.ErrorIs(t, err, ErrNotMember)

	clock.Advance(time.Second)
	_, err = s.Join(ctx, r.RoomID, "u2", "")
	require.NoError(t, err)

	var posted []*message.Message
	for _, text := range []string{"first", "second", "third"} {
		clock.Advance(time.Second)
		m, err := s.PostMessage(ctx, r.RoomID, "u2", "bob", text)
		require.NoError(t, err)
		posted = append(posted, m)
	}

	_, err = s.PostMessage(ctx, r.RoomID, "u2", "bob", "")
	assert.ErrorIs(t, err, message.ErrEmptyContent)

	timeline, _, err := s.ListMessages(ctx, r.RoomID, 10, "")
	require.NoError(t, err)
	require.Len(t, timeline, 4)
	assert.Equal(t, "third", timeline[0].Content)
	assert.Equal(t, message.TypeJoin, timeline[3].Type)

	mine, _, err := s.ListUserMessages(ctx, "u2", 10, "")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, "first", mine[2].Content)

	got, err := s.GetMessage(ctx, posted[1].MessageID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)
	assert.Equal(t, r.RoomID, got.RoomID)

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	room, err := s.GetRoom(ctx, r.RoomID)
	require.NoError(t, err)
	assert.True(t, room.LastMessageAt.Equal(posted[2].Timestamp))
}
