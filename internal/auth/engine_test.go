package auth

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/storefront/internal/cart"
	"github.com/dukerupert/storefront/internal/credential"
	"github.com/dukerupert/storefront/internal/database"
	"github.com/dukerupert/storefront/internal/model"
	"github.com/dukerupert/storefront/internal/password"
	"github.com/dukerupert/storefront/internal/store"
)

type sentMessage struct {
	to, subject, body string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to, subject, body})
	return nil
}

// lastToken extracts the token from the most recent reset link.
func (f *fakeSender) lastToken(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no message sent")
	}
	body := f.sent[len(f.sent)-1].body
	i := strings.Index(body, "/password-reset/")
	if i < 0 {
		t.Fatalf("no reset link in body: %q", body)
	}
	link := strings.Fields(body[i:])[0]
	return link[strings.LastIndex(link, "/")+1:]
}

type fixture struct {
	db       *sql.DB
	engine   *Engine
	sender   *fakeSender
	sessions *store.SessionStore
	carts    *store.CartStore
	creds    *credential.Store
	now      time.Time
}

func setupEngine(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	creds, err := credential.New(db, password.NewBcrypt(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("credential store: %v", err)
	}
	f := &fixture{
		db:       db,
		sender:   &fakeSender{},
		sessions: store.NewSessionStore(db),
		carts:    store.NewCartStore(db),
		creds:    creds,
		now:      time.Now(),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://shop.test/"
	}
	f.engine = NewEngine(Deps{
		Credentials: creds,
		Tokens:      store.NewResetTokenStore(db),
		Carts:       cart.NewResolver(f.carts, slog.Default()),
		Sender:      f.sender,
		Sessions:    f.sessions,
	}, cfg, slog.Default())
	f.engine.SetClock(func() time.Time { return f.now })
	return f
}

// visit starts an anonymous session, optionally with cart items.
func (f *fixture) visit(t *testing.T, items map[string]int) Visit {
	t.Helper()
	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, nil, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if len(items) > 0 {
		c, err := f.carts.GetOrCreateForSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("create cart: %v", err)
		}
		for p, q := range items {
			f.carts.AddItem(ctx, c.ID, p, q)
		}
	}
	return Visit{SessionID: sess.ID, Redirects: f.sessions.Redirects(sess.ID)}
}

func (f *fixture) signup(t *testing.T, email, pw string) int64 {
	t.Helper()
	res, err := f.engine.Signup(context.Background(), Visit{}, SignupForm{Email: email, Password: pw, ConfirmPassword: pw})
	if err != nil {
		t.Fatalf("signup %s: %v", email, err)
	}
	return res.UserID
}

func wantFailure(t *testing.T, err error, kind error, retry string) *Failure {
	t.Helper()
	f, ok := AsFailure(err)
	if !ok {
		t.Fatalf("err = %v, want *Failure", err)
	}
	if !errors.Is(err, kind) {
		t.Errorf("kind = %v, want %v", f.Kind, kind)
	}
	if retry != "" && f.Retry != retry {
		t.Errorf("retry = %q, want %q", f.Retry, retry)
	}
	return f
}

func TestSignupOnce(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	form := SignupForm{Email: "alice@example.com", Password: "hunter22", ConfirmPassword: "hunter22"}

	res, err := f.engine.Signup(ctx, f.visit(t, nil), form)
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if res.UserID == 0 {
		t.Error("expected user id")
	}
	if res.Destination != DefaultDestination {
		t.Errorf("destination = %q, want %q", res.Destination, DefaultDestination)
	}

	_, err = f.engine.Signup(ctx, f.visit(t, nil), form)
	fail := wantFailure(t, err, ErrDuplicateAccount, "/auth/signup")
	if fail.Message() != "Email already in use." {
		t.Errorf("message = %q", fail.Message())
	}

	form.Email = "  ALICE@example.com "
	_, err = f.engine.Signup(ctx, Visit{}, form)
	wantFailure(t, err, ErrDuplicateAccount, "/auth/signup")
}

func TestSignupValidation(t *testing.T) {
	f := setupEngine(t, Config{})

	tests := []struct {
		name  string
		form  SignupForm
		field string
	}{
		{"missing email", SignupForm{Password: "hunter22", ConfirmPassword: "hunter22"}, "email"},
		{"bad email", SignupForm{Email: "nope", Password: "hunter22", ConfirmPassword: "hunter22"}, "email"},
		{"short password", SignupForm{Email: "a@example.com", Password: "short", ConfirmPassword: "short"}, "password"},
		{"mismatch", SignupForm{Email: "a@example.com", Password: "hunter22", ConfirmPassword: "hunter23"}, "confirm_password"},
		{"password over 72 bytes", SignupForm{Email: "a@example.com", Password: strings.Repeat("é", 40), ConfirmPassword: strings.Repeat("é", 40)}, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Signup(context.Background(), Visit{}, tt.form)
			fail := wantFailure(t, err, ErrValidation, "/auth/signup")
			if fail.Fields[tt.field] == "" {
				t.Errorf("fields = %v, want message for %q", fail.Fields, tt.field)
			}
		})
	}
}

func TestSigninMatchesPassword(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	uid := f.signup(t, "alice@example.com", "hunter22")

	res, err := f.engine.Signin(ctx, f.visit(t, nil), Local("alice@example.com", "hunter22"))
	if err != nil {
		t.Fatalf("signin: %v", err)
	}
	if res.UserID != uid {
		t.Errorf("user id = %d, want %d", res.UserID, uid)
	}

	_, wrong := f.engine.Signin(ctx, f.visit(t, nil), Local("alice@example.com", "hunter23"))
	_, unknown := f.engine.Signin(ctx, f.visit(t, nil), Local("bob@example.com", "hunter22"))

	wf := wantFailure(t, wrong, ErrInvalidCredentials, "/auth/signin")
	uf := wantFailure(t, unknown, ErrInvalidCredentials, "/auth/signin")
	if wf.Message() != uf.Message() || wf.Error() != uf.Error() {
		t.Errorf("failures distinguishable: %q/%q vs %q/%q", wf.Message(), wf, uf.Message(), uf)
	}
}

func TestSigninValidation(t *testing.T) {
	f := setupEngine(t, Config{})

	_, err := f.engine.Signin(context.Background(), Visit{}, Local("", ""))
	fail := wantFailure(t, err, ErrValidation, "/auth/signin")
	if fail.Fields["email"] == "" || fail.Fields["password"] == "" {
		t.Errorf("fields = %v, want email and password", fail.Fields)
	}
}

func TestSignupTransfersAnonymousCart(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()

	v := f.visit(t, map[string]int{"itemA": 2})
	res, err := f.engine.Signup(ctx, v, SignupForm{Email: "alice@example.com", Password: "hunter22", ConfirmPassword: "hunter22"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}

	c, err := f.carts.GetByUserID(ctx, res.UserID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if c == nil || c.Items["itemA"] != 2 || len(c.Items) != 1 {
		t.Errorf("cart = %+v, want {itemA:2}", c)
	}
}

func TestSigninKeepsPersistedCart(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	uid := f.signup(t, "alice@example.com", "hunter22")

	own, _ := f.carts.GetOrCreateForUser(ctx, uid)
	f.carts.AddItem(ctx, own.ID, "itemB", 1)

	v := f.visit(t, map[string]int{"itemA": 2})
	if _, err := f.engine.Signin(ctx, v, Local("alice@example.com", "hunter22")); err != nil {
		t.Fatalf("signin: %v", err)
	}

	c, _ := f.carts.GetByUserID(ctx, uid)
	if c.ID != own.ID || c.Items["itemB"] != 1 || len(c.Items) != 1 {
		t.Errorf("cart = %+v, want persisted {itemB:1}", c)
	}
}

func TestSigninRestoresRedirectOnce(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	f.signup(t, "alice@example.com", "hunter22")

	v := f.visit(t, nil)
	if err := v.Redirects.Record(ctx, "/checkout"); err != nil {
		t.Fatalf("record: %v", err)
	}

	res, err := f.engine.Signin(ctx, v, Local("alice@example.com", "hunter22"))
	if err != nil {
		t.Fatalf("signin: %v", err)
	}
	if res.Destination != "/checkout" {
		t.Errorf("destination = %q, want /checkout", res.Destination)
	}

	if url, ok, _ := v.Redirects.ConsumeAndClear(ctx); ok {
		t.Errorf("intent still pending: %q", url)
	}

	res, _ = f.engine.Signin(ctx, v, Local("alice@example.com", "hunter22"))
	if res.Destination != DefaultDestination {
		t.Errorf("second destination = %q, want %q", res.Destination, DefaultDestination)
	}
}

func TestFederatedSignin(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()

	v := f.visit(t, map[string]int{"itemA": 1})
	v.Redirects.Record(ctx, "/checkout")

	id := FederatedIdentity{Provider: "github", Subject: "42", Email: "carol@example.com"}
	res, err := f.engine.Signin(ctx, v, Federated(id, nil))
	if err != nil {
		t.Fatalf("federated signin: %v", err)
	}
	if res.Destination != "/checkout" {
		t.Errorf("destination = %q, want /checkout", res.Destination)
	}
	if c, _ := f.carts.GetByUserID(ctx, res.UserID); c == nil || c.Items["itemA"] != 1 {
		t.Errorf("cart = %+v, want {itemA:1}", c)
	}

	_, err = f.engine.Signin(ctx, Visit{}, Federated(FederatedIdentity{}, errors.New("access_denied")))
	wantFailure(t, err, ErrInvalidCredentials, "/auth/signin")

	incomplete := []FederatedIdentity{
		{Provider: "github", Subject: "43"},
		{Provider: "github", Email: "dave@example.com"},
		{Subject: "44", Email: "erin@example.com"},
	}
	for _, id := range incomplete {
		_, err = f.engine.Signin(ctx, Visit{}, Federated(id, nil))
		fail := wantFailure(t, err, ErrInvalidCredentials, "/auth/signin")
		if errors.Is(err, ErrPersistence) {
			t.Errorf("identity %+v reported as persistence failure", id)
		}
		if fail.Message() != messages[ErrInvalidCredentials] {
			t.Errorf("message = %q", fail.Message())
		}
	}
}

func TestForgotPasswordRoundTrip(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	uid := f.signup(t, "alice@example.com", "hunter22")

	res, err := f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("forgot password: %v", err)
	}
	if res.Message != "Password reset link sent to your email account." {
		t.Errorf("message = %q", res.Message)
	}
	if res.Destination != "/auth/forgot-password" {
		t.Errorf("destination = %q", res.Destination)
	}

	msg := f.sender.sent[0]
	if msg.to != "alice@example.com" || msg.subject != "Password reset" {
		t.Errorf("sent = %+v", msg)
	}
	token := f.sender.lastToken(t)
	if want := "https://shop.test" + ResetPath(uid, token); !strings.Contains(msg.body, want) {
		t.Errorf("body missing link %q: %q", want, msg.body)
	}

	if _, err := f.engine.ConfirmResetLink(ctx, uid, token); err != nil {
		t.Errorf("confirm issued token: %v", err)
	}
	_, err = f.engine.ConfirmResetLink(ctx, uid, strings.Repeat("0", 64))
	wantFailure(t, err, ErrTokenInvalid, "/auth/signin")

	other := f.signup(t, "bob@example.com", "hunter22")
	_, err = f.engine.ConfirmResetLink(ctx, other, token)
	wantFailure(t, err, ErrTokenInvalid, "/auth/signin")

	// Confirming never consumes.
	if _, err := f.engine.ConfirmResetLink(ctx, uid, token); err != nil {
		t.Errorf("confirm again: %v", err)
	}
}

func TestForgotPasswordReusesToken(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	f.signup(t, "alice@example.com", "hunter22")

	f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	first := f.sender.lastToken(t)
	f.now = f.now.Add(10 * time.Minute)
	f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	second := f.sender.lastToken(t)

	if first != second {
		t.Errorf("tokens differ: %q vs %q", first, second)
	}
	if len(f.sender.sent) != 2 {
		t.Errorf("sent %d messages, want 2", len(f.sender.sent))
	}
}

func TestForgotPasswordUnknownAccount(t *testing.T) {
	f := setupEngine(t, Config{})

	_, err := f.engine.ForgotPassword(context.Background(), ForgotForm{Email: "nobody@example.com"})
	wantFailure(t, err, ErrUnknownAccount, "/auth/forgot-password")
	if len(f.sender.sent) != 0 {
		t.Error("message sent for unknown account")
	}
}

func TestForgotPasswordConcealUnknownAccount(t *testing.T) {
	f := setupEngine(t, Config{ConcealUnknownAccount: true})

	res, err := f.engine.ForgotPassword(context.Background(), ForgotForm{Email: "nobody@example.com"})
	if err != nil {
		t.Fatalf("forgot password: %v", err)
	}
	if res.Message != "Password reset link sent to your email account." {
		t.Errorf("message = %q", res.Message)
	}
	if len(f.sender.sent) != 0 {
		t.Error("message sent for unknown account")
	}
}

func TestForgotPasswordSenderFailure(t *testing.T) {
	f := setupEngine(t, Config{})
	f.signup(t, "alice@example.com", "hunter22")
	smtpDown := errors.New("dial tcp: connection refused")
	f.sender.err = smtpDown

	_, err := f.engine.ForgotPassword(context.Background(), ForgotForm{Email: "alice@example.com"})
	fail := wantFailure(t, err, ErrNotification, "/auth/forgot-password")
	if !errors.Is(err, smtpDown) {
		t.Error("cause not wrapped")
	}
	if strings.Contains(fail.Message(), "connection refused") {
		t.Errorf("message leaks transport detail: %q", fail.Message())
	}
}

func TestResetPasswordSingleUse(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	uid := f.signup(t, "alice@example.com", "hunter22")

	f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	token := f.sender.lastToken(t)
	form := ResetForm{Password: "new-password", ConfirmPassword: "new-password"}

	res, err := f.engine.ResetPassword(ctx, uid, token, form)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.Destination != SuccessPasswordPath {
		t.Errorf("destination = %q, want %q", res.Destination, SuccessPasswordPath)
	}

	_, err = f.engine.ResetPassword(ctx, uid, token, form)
	wantFailure(t, err, ErrTokenInvalid, "/auth/signin")

	if _, err := f.engine.Signin(ctx, Visit{}, Local("alice@example.com", "new-password")); err != nil {
		t.Errorf("signin with new password: %v", err)
	}
	_, err = f.engine.Signin(ctx, Visit{}, Local("alice@example.com", "hunter22"))
	wantFailure(t, err, ErrInvalidCredentials, "")
}

func TestResetPasswordRevokesSessions(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	uid := f.signup(t, "alice@example.com", "hunter22")
	sess, _ := f.sessions.Create(ctx, &uid, time.Hour)

	f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	token := f.sender.lastToken(t)
	if _, err := f.engine.ResetPassword(ctx, uid, token, ResetForm{Password: "new-password", ConfirmPassword: "new-password"}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if got, _ := f.sessions.GetByToken(ctx, sess.Token); got != nil {
		t.Error("existing session survived the reset")
	}
}

func TestResetPasswordValidation(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	uid := f.signup(t, "alice@example.com", "hunter22")
	f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	token := f.sender.lastToken(t)

	_, err := f.engine.ResetPassword(ctx, uid, token, ResetForm{Password: "new-password", ConfirmPassword: "different"})
	fail := wantFailure(t, err, ErrValidation, ResetPath(uid, token))
	if fail.Fields["confirm_password"] == "" {
		t.Errorf("fields = %v", fail.Fields)
	}

	long := strings.Repeat("é", 40)
	_, err = f.engine.ResetPassword(ctx, uid, token, ResetForm{Password: long, ConfirmPassword: long})
	fail = wantFailure(t, err, ErrValidation, ResetPath(uid, token))
	if fail.Fields["password"] == "" {
		t.Errorf("fields = %v, want message for password", fail.Fields)
	}

	if _, err := f.engine.ConfirmResetLink(ctx, uid, token); err != nil {
		t.Errorf("token consumed by invalid submission: %v", err)
	}
}

func TestResetTokenExpires(t *testing.T) {
	f := setupEngine(t, Config{ResetExpiry: MaxAge(time.Hour)})
	ctx := context.Background()
	uid := f.signup(t, "alice@example.com", "hunter22")

	f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	old := f.sender.lastToken(t)

	f.now = f.now.Add(61 * time.Minute)
	_, err := f.engine.ConfirmResetLink(ctx, uid, old)
	wantFailure(t, err, ErrTokenInvalid, "/auth/signin")
	_, err = f.engine.ResetPassword(ctx, uid, old, ResetForm{Password: "new-password", ConfirmPassword: "new-password"})
	wantFailure(t, err, ErrTokenInvalid, "/auth/signin")

	f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	fresh := f.sender.lastToken(t)
	if fresh == old {
		t.Error("expired token reissued")
	}
	if _, err := f.engine.ConfirmResetLink(ctx, uid, fresh); err != nil {
		t.Errorf("confirm fresh token: %v", err)
	}
}

func TestMaxAgeZeroNeverExpires(t *testing.T) {
	if c := MaxAge(0).Cutoff(time.Now()); !c.IsZero() {
		t.Errorf("cutoff = %v, want zero", c)
	}
}

type failingRevoker struct{}

func (failingRevoker) RevokeAll(context.Context, database.DBTX, int64) error {
	return errors.New("disk I/O error")
}

func TestResetPasswordFailureKeepsToken(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	uid := f.signup(t, "alice@example.com", "hunter22")
	f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	token := f.sender.lastToken(t)

	f.engine.sessions = failingRevoker{}
	_, err := f.engine.ResetPassword(ctx, uid, token, ResetForm{Password: "new-password", ConfirmPassword: "new-password"})
	fail := wantFailure(t, err, ErrPersistence, ResetPath(uid, token))
	if fail.Message() != genericMessage {
		t.Errorf("message = %q, want generic", fail.Message())
	}

	if _, err := f.engine.ConfirmResetLink(ctx, uid, token); err != nil {
		t.Errorf("token lost after failed reset: %v", err)
	}
	if _, err := f.engine.Signin(ctx, Visit{}, Local("alice@example.com", "hunter22")); err != nil {
		t.Errorf("old password stopped working after failed reset: %v", err)
	}
}

type brokenTokens struct{}

func (brokenTokens) Issue(context.Context, int64, time.Time, time.Time) (*model.ResetToken, error) {
	return nil, errors.New("database is locked")
}

func (brokenTokens) Lookup(context.Context, int64, string, time.Time) (*model.ResetToken, error) {
	return nil, errors.New("database is locked")
}

func (brokenTokens) Consume(context.Context, int64, string, time.Time, func(context.Context, database.DBTX) error) error {
	return errors.New("database is locked")
}

func TestPersistenceFailuresAreGeneric(t *testing.T) {
	f := setupEngine(t, Config{})
	ctx := context.Background()
	uid := f.signup(t, "alice@example.com", "hunter22")
	f.engine.tokens = brokenTokens{}

	_, err := f.engine.ForgotPassword(ctx, ForgotForm{Email: "alice@example.com"})
	fail := wantFailure(t, err, ErrPersistence, "/auth/forgot-password")
	if strings.Contains(fail.Message(), "locked") {
		t.Errorf("message leaks store detail: %q", fail.Message())
	}

	_, err = f.engine.ConfirmResetLink(ctx, uid, "abc")
	wantFailure(t, err, ErrPersistence, "")
}
