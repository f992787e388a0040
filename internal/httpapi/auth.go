package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/xid"
)

const (
	roleAdmin = "admin"
	roleClerk = "clerk"

	tokenIssuer = "brickledger"
	// accountRefresh bounds how stale the credential cache may get before a
	// login or user listing reloads it from the store.
	accountRefresh = 30 * time.Second
)

var errInvalidCredentials = errors.New("invalid credentials")

// UserStore persists staff accounts. Passwords are bcrypt hashes; a plain
// value found on load is rehashed and written back.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	pinHash  []byte
	users    UserStore
	validate *validator.Validate

	mu       sync.RWMutex
	accounts map[string]domain.UserAccount
	loadedAt time.Time
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

type clerkInput struct {
	Username string `validate:"required,min=4,max=32,alphanum"`
	Password string `validate:"required,min=6,max=72"`
}

// NewAuthManager signs tokens with secret. An empty managerPIN disables
// every PIN-gated action.
func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	a := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		validate: validator.New(),
		accounts: make(map[string]domain.UserAccount),
	}
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost); err == nil {
			a.pinHash = hash
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.reload(ctx)
	return a
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refresh(ctx)
	username := normalizeUsername(req.Username)

	a.mu.RLock()
	account, ok := a.accounts[username]
	a.mu.RUnlock()
	if !ok || !verifyPassword(account.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &ledgerClaims{}
	_, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (any, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        xid.New("tok"),
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateManagerPIN gates sale cancellation.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || a.pinHash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.pinHash, []byte(input)) == nil
}

func (a *AuthManager) CreateClerk(ctx context.Context, req domain.ClerkCreateRequest) (domain.ClerkUser, error) {
	in := clerkInput{Username: normalizeUsername(req.Username), Password: strings.TrimSpace(req.Password)}
	if err := a.validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return domain.ClerkUser{}, fmt.Errorf("%s fails %s", strings.ToLower(fieldErrs[0].Field()), fieldErrs[0].Tag())
		}
		return domain.ClerkUser{}, err
	}

	if err := a.reload(ctx); err != nil {
		return domain.ClerkUser{}, err
	}
	a.mu.RLock()
	_, exists := a.accounts[in.Username]
	a.mu.RUnlock()
	if exists {
		return domain.ClerkUser{}, fmt.Errorf("username already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.ClerkUser{}, fmt.Errorf("failed to hash password")
	}
	account := domain.UserAccount{
		Username:  in.Username,
		Password:  string(hash),
		Role:      roleClerk,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if a.users != nil {
		if err := a.users.CreateUser(ctx, account); err != nil {
			return domain.ClerkUser{}, err
		}
	}

	a.mu.Lock()
	a.accounts[account.Username] = account
	a.mu.Unlock()
	return clerkView(account), nil
}

func (a *AuthManager) ListClerks(ctx context.Context) []domain.ClerkUser {
	a.refresh(ctx)

	a.mu.RLock()
	result := make([]domain.ClerkUser, 0, len(a.accounts))
	for _, account := range a.accounts {
		if account.Role == roleClerk {
			result = append(result, clerkView(account))
		}
	}
	a.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result
}

// refresh reloads the accounts when the cache is older than accountRefresh.
// A failed reload keeps serving the cached accounts.
func (a *AuthManager) refresh(ctx context.Context) {
	a.mu.RLock()
	fresh := time.Since(a.loadedAt) < accountRefresh
	a.mu.RUnlock()
	if !fresh {
		_ = a.reload(ctx)
	}
}

func (a *AuthManager) reload(ctx context.Context) error {
	if a.users == nil {
		return nil
	}
	stored, err := a.users.ListUsers(ctx)
	if err != nil {
		return err
	}

	loaded := make(map[string]domain.UserAccount, len(stored))
	for _, account := range stored {
		account.Username = normalizeUsername(account.Username)
		if account.Username == "" {
			continue
		}
		if !isPasswordHash(account.Password) {
			hash, err := bcrypt.GenerateFromPassword([]byte(account.Password), bcrypt.DefaultCost)
			if err != nil {
				continue
			}
			account.Password = string(hash)
			_ = a.users.UpdateUserPassword(ctx, account.Username, account.Password)
		}
		loaded[account.Username] = account
	}

	a.mu.Lock()
	for username, account := range loaded {
		a.accounts[username] = account
	}
	a.loadedAt = time.Now()
	a.mu.Unlock()
	return nil
}

func clerkView(account domain.UserAccount) domain.ClerkUser {
	return domain.ClerkUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func verifyPassword(stored string, input string) bool {
	if strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
