package identitytoolkit

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
)

const (
	DefaultRefreshSkew = 5 * time.Minute
	DefaultRetryDelay  = 30 * time.Second

	minRefreshDelay = time.Second
	refreshTimeout  = 30 * time.Second
	defaultLifetime = time.Hour
)

// ErrServiceClosed is returned by Subscribe after Close.
var ErrServiceClosed = goerrors.New("identity service closed", goerrors.CategoryOperation).
	WithTextCode("IDENTITY_SERVICE_CLOSED").
	WithCode(goerrors.CodeInternal)

// IdPCredential is what a federated flow hands back: the provider's tokens
// for the signed-in user.
type IdPCredential struct {
	ProviderID  string
	IDToken     string
	AccessToken string
	// RequestURI is the redirect URI used by the flow.
	RequestURI string
}

// FederatedFlow runs the interactive part of a federated sign-in.
type FederatedFlow interface {
	Authorize(ctx context.Context) (*IdPCredential, error)
}

// FederatedFlowFunc adapts a function to FederatedFlow.
type FederatedFlowFunc func(ctx context.Context) (*IdPCredential, error)

func (f FederatedFlowFunc) Authorize(ctx context.Context) (*IdPCredential, error) {
	return f(ctx)
}

type session struct {
	principal    *auth.Principal
	idToken      string
	refreshToken string
	expiry       time.Time
}

// Service implements auth.IdentityService.
type Service struct {
	client      *Client
	store       CredentialStore
	flow        FederatedFlow
	verifier    TokenVerifier
	logger      auth.Logger
	now         func() time.Time
	refreshSkew time.Duration
	retryDelay  time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu          sync.Mutex
	current     *session
	generation  uint64
	timer       *time.Timer
	restored    bool
	restoreOnce sync.Once
	restoreErr  error
	subs        map[uint64]*subscriber
	nextSub     uint64
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

var _ auth.IdentityService = (*Service)(nil)

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithCredentialStore persists the refresh token between runs.
func WithCredentialStore(store CredentialStore) ServiceOption {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithFederatedFlow enables SignInWithFederated.
func WithFederatedFlow(flow FederatedFlow) ServiceOption {
	return func(s *Service) {
		s.flow = flow
	}
}

// WithVerifier sets how ID tokens are checked.
func WithVerifier(v TokenVerifier) ServiceOption {
	return func(s *Service) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger auth.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithRefreshSkew sets how long before expiry the ID token is refreshed.
func WithRefreshSkew(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.refreshSkew = d
		}
	}
}

// WithRetryDelay sets the wait before retrying a failed background refresh.
func WithRetryDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// NewService returns a service using client for all remote calls.
func NewService(client *Client, opts ...ServiceOption) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		client:      client,
		store:       &MemoryCredentialStore{},
		verifier:    UnverifiedParser{},
		logger:      auth.NewZapLogger(nil),
		now:         time.Now,
		refreshSkew: DefaultRefreshSkew,
		retryDelay:  DefaultRetryDelay,
		baseCtx:     ctx,
		cancelBase:  cancel,
		subs:        make(map[uint64]*subscriber),
		closeCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CurrentPrincipal returns a copy of the signed-in principal, or nil.
func (s *Service) CurrentPrincipal() *auth.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.principal.Clone()
}

// Subscribe returns a channel that yields the current principal once stored
// credentials have been restored, then the principal (or nil) after every
// sign-in, sign-out and token refresh. The channel is closed when ctx is done
// or the service is closed. Slow readers never block the service.
func (s *Service) Subscribe(ctx context.Context) (<-chan *auth.Principal, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}

	s.nextSub++
	id := s.nextSub
	sub := newSubscriber()
	s.subs[id] = sub
	if s.restored {
		sub.enqueue(s.currentPrincipalLocked())
	}
	s.wg.Add(2)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_ = s.Restore(s.baseCtx)
	}()

	go func() {
		defer s.wg.Done()
		sub.pump(ctx, s.closeCh)
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	return sub.out, nil
}

// Restore loads stored credentials and refreshes them into a live session.
// It runs once; later calls return the first result. Subscribers receive
// their first notification when it finishes, whatever the outcome.
func (s *Service) Restore(ctx context.Context) error {
	s.restoreOnce.Do(func() {
		s.restoreErr = s.restore(ctx)
		s.markRestored()
	})
	return s.restoreErr
}

func (s *Service) restore(ctx context.Context) error {
	s.mu.Lock()
	startGen := s.generation
	signedIn := s.current != nil
	s.mu.Unlock()
	if signedIn {
		return nil
	}

	creds, err := s.store.LoadCredentials()
	if err != nil {
		s.logger.Warn("failed to load stored credentials", "error", err)
		return err
	}
	if creds == nil {
		s.logger.Debug("no stored credentials")
		return nil
	}

	resp, err := s.client.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		if isSessionRevoked(err) {
			s.logger.Info("stored session is no longer valid", "uid", creds.UID)
			if derr := s.store.DeleteCredentials(); derr != nil {
				s.logger.Warn("failed to delete stale credentials", "error", derr)
			}
		} else {
			s.logger.Warn("failed to restore session", "uid", creds.UID, "error", err)
		}
		return err
	}

	prev := &auth.Principal{UID: creds.UID, Email: creds.Email, ProviderTag: creds.ProviderTag}
	_, err = s.establish(resp, creds.ProviderTag, prev, &startGen)
	return err
}

func (s *Service) markRestored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restored {
		return
	}
	s.restored = true
	s.emitLocked()
}

// SignInWithPassword signs in with email and password.
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*auth.Principal, error) {
	resp, err := s.client.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.establish(resp, auth.ProviderPassword, nil, nil)
}

// CreateUserWithPassword creates an account and signs it in.
func (s *Service) CreateUserWithPassword(ctx context.Context, email, password string) (*auth.Principal, error) {
	resp, err := s.client.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.establish(resp, auth.ProviderPassword, nil, nil)
}

// UpdateDisplayName sets the display name of the signed-in user. The change
// is emitted like a token refresh.
func (s *Service) UpdateDisplayName(ctx context.Context, displayName string) (*auth.Principal, error) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return nil, auth.WithMeta(auth.ErrNotSignedIn, nil, map[string]any{"operation": opUpdate})
	}

	resp, err := s.client.UpdateProfile(ctx, cur.idToken, displayName, "")
	if err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		resp.IDToken = cur.idToken
		resp.Expiry = cur.expiry
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = cur.refreshToken
	}
	if resp.DisplayName == "" {
		resp.DisplayName = displayName
	}
	return s.establish(resp, cur.principal.ProviderTag, cur.principal, nil)
}

// SignInWithFederated runs the federated flow and signs in with the
// provider credential it returns.
func (s *Service) SignInWithFederated(ctx context.Context) (*auth.Principal, error) {
	if s.flow == nil {
		return nil, auth.WithMeta(auth.ErrProviderUnavailable, nil, map[string]any{
			"operation": opSignInWithIdp,
			"reason":    "federated sign-in is not configured",
		})
	}

	cred, err := s.flow.Authorize(ctx)
	if err != nil {
		return nil, federatedError(ctx, err)
	}
	if cred == nil || (cred.IDToken == "" && cred.AccessToken == "") {
		return nil, auth.WithMeta(auth.ErrFederatedSignInCancelled, nil, map[string]any{"reason": "empty credential"})
	}

	providerID := cred.ProviderID
	if providerID == "" {
		providerID = auth.ProviderGoogle
	}
	body := url.Values{"providerId": {providerID}}
	if cred.IDToken != "" {
		body.Set("id_token", cred.IDToken)
	}
	if cred.AccessToken != "" {
		body.Set("access_token", cred.AccessToken)
	}
	requestURI := cred.RequestURI
	if requestURI == "" {
		requestURI = "http://localhost"
	}

	resp, err := s.client.SignInWithIdp(ctx, body.Encode(), requestURI)
	if err != nil {
		return nil, err
	}
	return s.establish(resp, providerID, nil, nil)
}

func federatedError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return auth.WithMeta(auth.ErrFederatedSignInCancelled, err, nil)
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return err
	}
	return auth.WithMeta(auth.ErrProviderUnavailable, err, map[string]any{"operation": opSignInWithIdp})
}

// SendPasswordReset asks the service to email a reset link.
func (s *Service) SendPasswordReset(ctx context.Context, email string) error {
	return s.client.SendPasswordReset(ctx, email)
}

// SignOut clears the session and the stored credentials. Subscribers are
// notified only if a user was signed in.
func (s *Service) SignOut(ctx context.Context) error {
	s.mu.Lock()
	hadUser := s.current != nil
	s.current = nil
	s.generation++
	s.stopTimerLocked()
	if hadUser {
		s.emitLocked()
	}
	s.mu.Unlock()

	if err := s.store.DeleteCredentials(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to clear stored credentials")
	}
	return nil
}

// RefreshNow refreshes the ID token immediately.
func (s *Service) RefreshNow(ctx context.Context) (*auth.Principal, error) {
	s.mu.Lock()
	cur := s.current
	gen := s.generation
	s.mu.Unlock()
	if cur == nil {
		return nil, auth.WithMeta(auth.ErrNotSignedIn, nil, map[string]any{"operation": opRefresh})
	}
	return s.refresh(ctx, cur, gen)
}

func (s *Service) refresh(ctx context.Context, cur *session, gen uint64) (*auth.Principal, error) {
	resp, err := s.client.Refresh(ctx, cur.refreshToken)
	if err != nil {
		if isSessionRevoked(err) {
			s.revoke(gen)
		}
		return nil, err
	}
	return s.establish(resp, cur.principal.ProviderTag, cur.principal, &gen)
}

// revoke drops the session if it is still the one that failed to refresh.
func (s *Service) revoke(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.current == nil {
		s.mu.Unlock()
		return
	}
	uid := s.current.principal.UID
	s.current = nil
	s.generation++
	s.stopTimerLocked()
	s.emitLocked()
	s.mu.Unlock()

	s.logger.Info("session revoked by identity service", "uid", uid)
	if err := s.store.DeleteCredentials(); err != nil {
		s.logger.Warn("failed to delete revoked credentials", "error", err)
	}
}

// establish installs a new session from a token response. When expectGen is
// set and another transition happened in between, the response is dropped.
func (s *Service) establish(resp *TokenResponse, provider string, prev *auth.Principal, expectGen *uint64) (*auth.Principal, error) {
	claims, err := s.verifier.Verify(resp.IDToken)
	if err != nil {
		return nil, err
	}

	p := claims.Principal()
	if p.UID == "" {
		p.UID = resp.LocalID
	}
	if resp.DisplayName != "" {
		p.DisplayName = resp.DisplayName
	}
	if resp.PhotoURL != "" {
		p.AvatarURL = resp.PhotoURL
	}
	if p.Email == "" {
		p.Email = resp.Email
	}
	if p.ProviderTag == "" {
		p.ProviderTag = provider
	}
	if prev != nil && prev.UID == p.UID {
		mergePrincipal(p, prev)
	}
	if strings.TrimSpace(p.UID) == "" {
		return nil, auth.WithMeta(ErrInvalidIDToken, nil, map[string]any{"reason": "missing subject"})
	}

	expiry := resp.Expiry
	if exp := claims.Expiry(); !exp.IsZero() {
		expiry = exp
	}
	if expiry.IsZero() {
		expiry = s.now().Add(defaultLifetime)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	if expectGen != nil && *expectGen != s.generation {
		s.logger.Debug("dropping stale token response", "uid", p.UID)
		return p.Clone(), nil
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" && s.current != nil && s.current.principal.UID == p.UID {
		refreshToken = s.current.refreshToken
	}

	s.generation++
	s.current = &session{
		principal:    p,
		idToken:      resp.IDToken,
		refreshToken: refreshToken,
		expiry:       expiry,
	}
	s.scheduleRefreshLocked(expiry, s.generation)

	if err := s.store.SaveCredentials(&Credentials{
		UID:          p.UID,
		Email:        p.Email,
		ProviderTag:  p.ProviderTag,
		RefreshToken: refreshToken,
		SavedAt:      s.now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to persist credentials", "uid", p.UID, "error", err)
	}

	s.emitLocked()
	return p.Clone(), nil
}

func mergePrincipal(p, prev *auth.Principal) {
	if p.DisplayName == "" {
		p.DisplayName = prev.DisplayName
	}
	if p.Email == "" {
		p.Email = prev.Email
	}
	if p.AvatarURL == "" {
		p.AvatarURL = prev.AvatarURL
	}
	if prev.ProviderTag != "" && (p.ProviderTag == "" || p.ProviderTag == "custom") {
		p.ProviderTag = prev.ProviderTag
	}
}

func (s *Service) scheduleRefreshLocked(expiry time.Time, gen uint64) {
	s.scheduleAfterLocked(expiry.Sub(s.now())-s.refreshSkew, gen)
}

func (s *Service) scheduleAfterLocked(delay time.Duration, gen uint64) {
	s.stopTimerLocked()
	if delay < minRefreshDelay {
		delay = minRefreshDelay
	}
	s.timer = time.AfterFunc(delay, func() { s.backgroundRefresh(gen) })
}

func (s *Service) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Service) backgroundRefresh(gen uint64) {
	s.mu.Lock()
	if s.closed || s.generation != gen || s.current == nil {
		s.mu.Unlock()
		return
	}
	cur := s.current
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.baseCtx, refreshTimeout)
	defer cancel()

	if _, err := s.refresh(ctx, cur, gen); err != nil {
		if isSessionRevoked(err) {
			return
		}
		s.logger.Warn("token refresh failed, will retry", "uid", cur.principal.UID, "error", err)
		s.mu.Lock()
		if !s.closed && s.generation == gen {
			s.scheduleAfterLocked(s.retryDelay, gen)
		}
		s.mu.Unlock()
	}
}

func (s *Service) currentPrincipalLocked() *auth.Principal {
	if s.current == nil {
		return nil
	}
	return s.current.principal.Clone()
}

// emitLocked delivers the current principal to every subscriber. Nothing is
// delivered before the initial restore finishes.
func (s *Service) emitLocked() {
	if !s.restored {
		return
	}
	p := s.currentPrincipalLocked()
	for _, sub := range s.subs {
		sub.enqueue(p.Clone())
	}
}

// Close stops background refreshes and closes every subscription channel.
// The signed-in session and stored credentials are kept.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimerLocked()
	close(s.closeCh)
	s.mu.Unlock()

	s.cancelBase()
	s.wg.Wait()
	return nil
}

type subscriber struct {
	out    chan *auth.Principal
	mu     sync.Mutex
	queue  []*auth.Principal
	signal chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{
		out:    make(chan *auth.Principal),
		signal: make(chan struct{}, 1),
	}
}

func (sub *subscriber) enqueue(p *auth.Principal) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, p)
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscriber) pump(ctx context.Context, closed <-chan struct{}) {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		var (
			next *auth.Principal
			ok   bool
		)
		if len(sub.queue) > 0 {
			next, ok = sub.queue[0], true
			sub.queue[0] = nil
			sub.queue = sub.queue[1:]
		}
		sub.mu.Unlock()

		if ok {
			select {
			case sub.out <- next:
			case <-ctx.Done():
				return
			case <-closed:
				return
			}
			continue
		}

		select {
		case <-sub.signal:
		case <-ctx.Done():
			return
		case <-closed:
			return
		}
	}
}
