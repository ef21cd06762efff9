package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deskbridge-io/deskbridge/internal/clock"
	"github.com/deskbridge-io/deskbridge/internal/dedup"
	"github.com/deskbridge-io/deskbridge/internal/mediacache"
	"github.com/deskbridge-io/deskbridge/internal/metrics"
	"github.com/deskbridge-io/deskbridge/internal/platform"
	"github.com/deskbridge-io/deskbridge/internal/ratelimit"
	"github.com/deskbridge-io/deskbridge/internal/store"
	"github.com/deskbridge-io/deskbridge/internal/supervisor"
	"github.com/deskbridge-io/deskbridge/internal/webhook"
	"github.com/deskbridge-io/deskbridge/pkg/protocol"
)

type fakeStore struct {
	mu         sync.Mutex
	tickets    map[string]*protocol.Ticket
	users      map[string]*protocol.User
	categories map[string]*protocol.Category
	records    []protocol.MessageRecord
	seq        int

	setChannelErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tickets:    make(map[string]*protocol.Ticket),
		users:      make(map[string]*protocol.User),
		categories: make(map[string]*protocol.Category),
	}
}

func (s *fakeStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%d", prefix, s.seq)
}

func (s *fakeStore) CreateTicket(t *protocol.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = s.nextID("ticket-")
	}
	cp := *t
	s.tickets[t.ID] = &cp
	return nil
}

func (s *fakeStore) GetTicket(id string) (*protocol.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) GetOpenTicketForUser(userID string) (*protocol.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.UserID == userID && !t.Status.IsTerminal() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetTicketByChannel(channelID string) (*protocol.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.ChannelID == channelID && channelID != "" {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) ListTickets(filter store.Filter) ([]*protocol.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Ticket
	for _, t := range s.tickets {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.UserID != "" && t.UserID != filter.UserID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) UpdateTicketStatus(id string, status protocol.TicketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	return nil
}

func (s *fakeStore) SetTicketChannel(id, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setChannelErr != nil {
		return s.setChannelErr
	}
	t, ok := s.tickets[id]
	if !ok {
		return store.ErrNotFound
	}
	t.ChannelID = channelID
	return nil
}

func (s *fakeStore) ClaimTicket(id, staffID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return store.ErrNotFound
	}
	t.ClaimedBy = staffID
	t.Status = protocol.TicketInProgress
	return nil
}

func (s *fakeStore) MarkTicketPaid(id string) error {
	return s.UpdateTicketStatus(id, protocol.TicketPaid)
}

func (s *fakeStore) ReopenTicket(id string) error {
	return s.UpdateTicketStatus(id, protocol.TicketInProgress)
}

func (s *fakeStore) GetOrCreateUser(plat, platformID, username, displayName string) (*protocol.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Platform == plat && u.PlatformID == platformID {
			cp := *u
			return &cp, nil
		}
	}
	u := &protocol.User{
		ID:          s.nextID("user-"),
		Platform:    plat,
		PlatformID:  platformID,
		Username:    username,
		DisplayName: displayName,
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (s *fakeStore) GetUser(id string) (*protocol.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) GetCategory(id string) (*protocol.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) ListCategories() ([]*protocol.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Category
	for _, c := range s.categories {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) SaveCategory(c *protocol.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.categories[c.ID] = &cp
	return nil
}

func (s *fakeStore) CreateMessageRecord(m *protocol.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = s.nextID("msg-")
	}
	s.records = append(s.records, *m)
	return nil
}

func (s *fakeStore) ListMessages(ticketID string) ([]protocol.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.MessageRecord
	for _, r := range s.records {
		if r.TicketID == ticketID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) recordCount(ticketID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.TicketID == ticketID {
			n++
		}
	}
	return n
}

// addUser seeds a customer and returns it.
func (s *fakeStore) addUser(platformID, name string, banned bool) *protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &protocol.User{
		ID:          s.nextID("user-"),
		Platform:    platform.Telegram,
		PlatformID:  platformID,
		DisplayName: name,
		Banned:      banned,
	}
	s.users[u.ID] = u
	cp := *u
	return &cp
}

// addTicket seeds a ticket and returns it.
func (s *fakeStore) addTicket(userID, channelID string, status protocol.TicketStatus) *protocol.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &protocol.Ticket{
		ID:        s.nextID("ticket-"),
		UserID:    userID,
		Status:    status,
		ChannelID: channelID,
	}
	s.tickets[t.ID] = t
	cp := *t
	return &cp
}

type sentText struct {
	ChatID string
	Text   string
}

type fakeOrigin struct {
	mu         sync.Mutex
	connectErr error
	sendErr    error
	texts      []sentText
	photos     []sentText
	files      map[string][]byte
}

func (f *fakeOrigin) Name() string                        { return platform.Telegram }
func (f *fakeOrigin) Connect(context.Context) error       { return f.connectErr }
func (f *fakeOrigin) Disconnect() error                   { return nil }
func (f *fakeOrigin) Ping(context.Context) error          { return nil }
func (f *fakeOrigin) CleanupSessions(context.Context) error { return nil }

func (f *fakeOrigin) SendText(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.texts = append(f.texts, sentText{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeOrigin) SendPhoto(_ context.Context, chatID string, _ *platform.Media, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.photos = append(f.photos, sentText{ChatID: chatID, Text: caption})
	return nil
}

func (f *fakeOrigin) FetchFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fileID]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return data, nil
}

func (f *fakeOrigin) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

type staffPost struct {
	ChannelID string
	Message   string
	FileIDs   []string
}

type hookPost struct {
	HookID   string
	Username string
	Message  string
}

type fakeStaff struct {
	mu         sync.Mutex
	connectErr error
	postErr    error
	hookErr    error
	createErr  error
	moveErr    error

	posts     []staffPost
	hookPosts []hookPost
	moves     []sentText // ChatID=channelID, Text=teamID
	deleted   []string
	uploads   []string
	chanSeq   int
	hookSeq   int
}

func (f *fakeStaff) Name() string                        { return platform.Mattermost }
func (f *fakeStaff) Connect(context.Context) error       { return f.connectErr }
func (f *fakeStaff) Disconnect() error                   { return nil }
func (f *fakeStaff) Ping(context.Context) error          { return nil }
func (f *fakeStaff) CleanupSessions(context.Context) error { return nil }

func (f *fakeStaff) Post(_ context.Context, channelID, message string, fileIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posts = append(f.posts, staffPost{ChannelID: channelID, Message: message, FileIDs: fileIDs})
	return nil
}

func (f *fakeStaff) PostViaWebhook(_ context.Context, hookID, username, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hookErr != nil {
		return f.hookErr
	}
	f.hookPosts = append(f.hookPosts, hookPost{HookID: hookID, Username: username, Message: message})
	return nil
}

func (f *fakeStaff) CreateChannel(_ context.Context, teamID, name, displayName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.chanSeq++
	return fmt.Sprintf("ch-%d", f.chanSeq), nil
}

func (f *fakeStaff) MoveChannel(_ context.Context, channelID, teamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, sentText{ChatID: channelID, Text: teamID})
	return nil
}

func (f *fakeStaff) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, channelID)
	return nil
}

func (f *fakeStaff) UploadFile(_ context.Context, channelID, filename string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename)
	return fmt.Sprintf("file-%d", len(f.uploads)), nil
}

func (f *fakeStaff) CreateWebhook(_ context.Context, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hookSeq++
	return fmt.Sprintf("hook-%d", f.hookSeq), nil
}

func (f *fakeStaff) DeleteWebhook(_ context.Context, hookID string) error { return nil }

func (f *fakeStaff) channelPosts() []staffPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]staffPost(nil), f.posts...)
}

func (f *fakeStaff) webhookPosts() []hookPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hookPost(nil), f.hookPosts...)
}

const testMaxDuplicates = 2

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakeOrigin, *fakeStaff, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	st := newFakeStore()
	origin := &fakeOrigin{files: make(map[string][]byte)}
	staff := &fakeStaff{}

	met := metrics.New(prometheus.NewRegistry())
	limiter := ratelimit.New(clk, ratelimit.Config{WaitTimeout: time.Second})
	pool := webhook.New(staff, limiter, clk, webhook.Config{FailureLimit: 3, IdleTimeout: time.Hour})
	dd := dedup.New(clk, dedup.Config{
		Window:        time.Minute,
		MaxDuplicates: testMaxDuplicates,
		HighWater:     1000,
	})
	cache := mediacache.New(clk, mediacache.Config{MaxBytes: 1 << 20, TTL: time.Hour})

	cfg := Config{
		RetryQueueSize:     10,
		RetryMaxAttempts:   3,
		RetryDrainInterval: time.Minute,
		SendTimeout:        5 * time.Second,
		RestartCooldown:    0,
		EventQueueSize:     16,
		AdaptiveDelayStep:  0,
		AdaptiveDelayMax:   0,
		TeamID:             "team-live",
		TranscriptTeamID:   "team-archive",
		Supervisor: supervisor.Config{
			HeartbeatInterval:  time.Minute,
			HeartbeatFailLimit: 3,
			PingTimeout:        time.Second,
			ConnectTimeout:     time.Second,
			InitialDelay:       time.Second,
			MaxDelay:           time.Minute,
			Factor:             2,
			MaxAttempts:        3,
			ConflictCooldown:   time.Minute,
			StartTimeout:       time.Second,
		},
	}

	m := New(cfg, Deps{
		Clock:   clk,
		Store:   st,
		Origin:  origin,
		Staff:   staff,
		Pool:    pool,
		Dedup:   dd,
		Cache:   cache,
		Metrics: met,
	})
	return m, st, origin, staff, clk
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)
}

func TestStartFailsWhenBothPlatformsDown(t *testing.T) {
	m, _, origin, staff, _ := newTestManager(t)
	origin.connectErr = platform.ErrUnavailable
	staff.connectErr = platform.ErrUnavailable

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with both platforms down")
	}
	if err := m.Start(context.Background()); err != ErrDisabled {
		t.Fatalf("second Start = %v, want ErrDisabled", err)
	}
	if h := m.Health(); !h.Disabled {
		t.Fatal("Health.Disabled = false after latch")
	}
}

func TestStartToleratesOnePlatformDown(t *testing.T) {
	m, _, origin, _, _ := newTestManager(t)
	origin.connectErr = platform.ErrUnavailable

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	h := m.Health()
	if h.Origin {
		t.Fatal("origin reported healthy")
	}
	if !h.Staff {
		t.Fatal("staff reported unhealthy")
	}
}

func TestHealthReportsStates(t *testing.T) {
	m, _, _, _, clk := newTestManager(t)
	startManager(t, m)

	h := m.Health()
	if !h.Origin || !h.Staff {
		t.Fatalf("health = %+v, want both up", h)
	}
	if h.OriginState != string(supervisor.StateConnected) {
		t.Fatalf("OriginState = %q", h.OriginState)
	}

	clk.Advance(30 * time.Second)
	if h := m.Health(); h.UptimeSeconds != 30 {
		t.Fatalf("UptimeSeconds = %d, want 30", h.UptimeSeconds)
	}
}

func TestRestartRecyclesSessions(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	startManager(t, m)

	if err := m.RestartStaff(context.Background()); err != nil {
		t.Fatalf("RestartStaff: %v", err)
	}
	if !m.Health().Staff {
		t.Fatal("staff unhealthy after restart")
	}
}
