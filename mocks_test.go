package auth_test

import (
	"context"
	"sort"
	"sync"
	"time"

	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/stretchr/testify/mock"
)

// MockIdentityService implements auth.IdentityService
type MockIdentityService struct {
	mock.Mock
}

func (m *MockIdentityService) Subscribe(ctx context.Context) (<-chan *auth.Principal, error) {
	args := m.Called(ctx)
	ch, _ := args.Get(0).(<-chan *auth.Principal)
	return ch, args.Error(1)
}

func (m *MockIdentityService) SignInWithPassword(ctx context.Context, email, password string) (*auth.Principal, error) {
	args := m.Called(ctx, email, password)
	p, _ := args.Get(0).(*auth.Principal)
	return p, args.Error(1)
}

func (m *MockIdentityService) CreateUserWithPassword(ctx context.Context, email, password string) (*auth.Principal, error) {
	args := m.Called(ctx, email, password)
	p, _ := args.Get(0).(*auth.Principal)
	return p, args.Error(1)
}

func (m *MockIdentityService) UpdateDisplayName(ctx context.Context, displayName string) (*auth.Principal, error) {
	args := m.Called(ctx, displayName)
	p, _ := args.Get(0).(*auth.Principal)
	return p, args.Error(1)
}

func (m *MockIdentityService) SignInWithFederated(ctx context.Context) (*auth.Principal, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).(*auth.Principal)
	return p, args.Error(1)
}

func (m *MockIdentityService) SendPasswordReset(ctx context.Context, email string) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

func (m *MockIdentityService) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockIdentityService) CurrentPrincipal() *auth.Principal {
	args := m.Called()
	p, _ := args.Get(0).(*auth.Principal)
	return p
}

// MockProfileStore implements auth.ProfileStore
type MockProfileStore struct {
	mock.Mock
}

func (m *MockProfileStore) GetProfile(ctx context.Context, uid string) (*auth.ProfileRecord, error) {
	args := m.Called(ctx, uid)
	p, _ := args.Get(0).(*auth.ProfileRecord)
	return p, args.Error(1)
}

func (m *MockProfileStore) CreateProfile(ctx context.Context, record *auth.ProfileRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockProfileStore) UpdateProfileLogin(ctx context.Context, uid string, update auth.ProfileLoginUpdate) error {
	args := m.Called(ctx, uid, update)
	return args.Error(0)
}

// MockProfileAdmin implements auth.ProfileAdmin
type MockProfileAdmin struct {
	MockProfileStore
}

func (m *MockProfileAdmin) ListProfiles(ctx context.Context) ([]*auth.ProfileRecord, error) {
	args := m.Called(ctx)
	records, _ := args.Get(0).([]*auth.ProfileRecord)
	return records, args.Error(1)
}

func (m *MockProfileAdmin) SetRole(ctx context.Context, uid string, role auth.UserRole) (*auth.ProfileRecord, error) {
	args := m.Called(ctx, uid, role)
	p, _ := args.Get(0).(*auth.ProfileRecord)
	return p, args.Error(1)
}

func (m *MockProfileAdmin) SetStatus(ctx context.Context, uid string, status auth.ProfileStatus) (*auth.ProfileRecord, error) {
	args := m.Called(ctx, uid, status)
	p, _ := args.Get(0).(*auth.ProfileRecord)
	return p, args.Error(1)
}

// fakeStream is a controllable identity stream.
type fakeStream struct {
	mu         sync.Mutex
	ch         chan *auth.Principal
	subscribed int
	err        error
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan *auth.Principal, 16)}
}

func (f *fakeStream) Subscribe(ctx context.Context) (<-chan *auth.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subscribed++
	return f.ch, nil
}

func (f *fakeStream) emit(p *auth.Principal) {
	f.ch <- p
}

func (f *fakeStream) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed
}

// memProfileStore is an in-memory auth.ProfileStore with a conditional create.
type memProfileStore struct {
	mu       sync.Mutex
	records  map[string]*auth.ProfileRecord
	creates  int
	updates  int
	getErr   error
	writeErr error
	// beforeCreate runs after the lookup and before the insert.
	beforeCreate func()
}

func newMemProfileStore() *memProfileStore {
	return &memProfileStore{records: map[string]*auth.ProfileRecord{}}
}

func (s *memProfileStore) GetProfile(_ context.Context, uid string) (*auth.ProfileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[uid]
	if !ok {
		return nil, auth.ErrProfileNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memProfileStore) CreateProfile(_ context.Context, record *auth.ProfileRecord) error {
	if s.beforeCreate != nil {
		s.beforeCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if _, ok := s.records[record.UID]; ok {
		return auth.ErrProfileExists
	}
	cp := *record
	s.records[record.UID] = &cp
	s.creates++
	return nil
}

func (s *memProfileStore) UpdateProfileLogin(_ context.Context, uid string, update auth.ProfileLoginUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	rec, ok := s.records[uid]
	if !ok {
		return auth.ErrProfileNotFound
	}
	rec.DisplayName = update.DisplayName
	rec.AvatarURL = update.AvatarURL
	rec.LastLoginAt = update.LastLoginAt
	s.updates++
	return nil
}

func (s *memProfileStore) put(rec *auth.ProfileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.UID] = &cp
}

func (s *memProfileStore) get(uid string) *auth.ProfileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[uid]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (s *memProfileStore) counts() (creates, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates, s.updates
}

// memSettingsStore is an in-memory auth.SettingsStore.
type memSettingsStore struct {
	mu       sync.Mutex
	settings map[string]*auth.Setting
	gets     int
	getDelay time.Duration
	putErr   error

	// when set, GetSetting reads its value, signals loaded and then waits
	// for release before returning
	loaded  chan struct{}
	release chan struct{}
}

func newMemSettingsStore() *memSettingsStore {
	return &memSettingsStore{settings: map[string]*auth.Setting{}}
}

func (s *memSettingsStore) GetSetting(_ context.Context, key string) (*auth.Setting, error) {
	s.mu.Lock()
	s.gets++
	delay := s.getDelay
	loaded, release := s.loaded, s.release
	s.mu.Unlock()

	if loaded != nil {
		s.mu.Lock()
		setting, ok := s.settings[key]
		var cp auth.Setting
		if ok {
			cp = *setting
		}
		s.mu.Unlock()

		loaded <- struct{}{}
		<-release
		if !ok {
			return nil, auth.ErrSettingNotFound
		}
		return &cp, nil
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	setting, ok := s.settings[key]
	if !ok {
		return nil, auth.ErrSettingNotFound
	}
	cp := *setting
	return &cp, nil
}

func (s *memSettingsStore) PutSetting(_ context.Context, setting *auth.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	cp := *setting
	s.settings[setting.Key] = &cp
	return nil
}

func (s *memSettingsStore) ListSettings(_ context.Context) ([]*auth.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*auth.Setting, 0, len(s.settings))
	for _, setting := range s.settings {
		cp := *setting
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memSettingsStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// recordingSink collects activity events.
type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (r *recordingSink) Record(_ context.Context, event auth.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types() []auth.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// captureLogger records messages by level.
type captureLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
	infos  []string
}

func (c *captureLogger) Debug(string, ...any) {}

func (c *captureLogger) Info(msg string, _ ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = append(c.infos, msg)
}

func (c *captureLogger) infoMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.infos...)
}

func (c *captureLogger) Warn(msg string, _ ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warns = append(c.warns, msg)
}

func (c *captureLogger) Error(msg string, _ ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, msg)
}

func (c *captureLogger) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}
