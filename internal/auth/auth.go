package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Config controls operator authentication. Password may be plaintext or a
// bcrypt hash.
type Config struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Username    string        `yaml:"username" json:"username"`
	Password    string        `yaml:"password" json:"-"`
	JWTSecret   string        `yaml:"jwt_secret" json:"-"`
	TokenExpiry time.Duration `yaml:"token_expiry" json:"token_expiry"`
}

// DefaultConfig returns auth disabled with a 24h token lifetime.
func DefaultConfig() Config {
	return Config{
		Username:    "admin",
		TokenExpiry: 24 * time.Hour,
	}
}

// Validate reports settings that would leave auth enabled but unusable.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Username == "" {
		errs = append(errs, errors.New("username is required when auth is enabled"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("password is required when auth is enabled"))
	}
	if c.TokenExpiry <= 0 {
		errs = append(errs, fmt.Errorf("token_expiry must be positive, got %s", c.TokenExpiry))
	}
	return errors.Join(errs...)
}

// Authenticator handles user authentication
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	tokens       *signer
}

// NewAuthenticator creates a new authenticator from cfg
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	var passwordHash []byte
	if cfg.Enabled {
		// Check if password is already a bcrypt hash
		if len(cfg.Password) == 60 && cfg.Password[0] == '$' {
			passwordHash = []byte(cfg.Password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password: %w", err)
			}
			passwordHash = hash
		}
	}

	tokens, err := newSigner(cfg.JWTSecret, cfg.TokenExpiry)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		enabled:      cfg.Enabled,
		username:     cfg.Username,
		passwordHash: passwordHash,
		tokens:       tokens,
	}, nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate checks the operator credentials and returns a signed token
// with its expiry as unix seconds.
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) != 1 {
		return "", 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.tokens.issue(username)
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ValidateToken returns the claims of a token issued by Authenticate.
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.tokens.verify(token)
}

// HashPassword returns a bcrypt hash suitable for the password setting.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
