package identity

import (
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"routecash/backend/internal/domain"
)

const issuer = "routecash"

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrPINMismatch  = errors.New("manager pin mismatch")
	ErrPINLocked    = errors.New("too many pin attempts")
)

type actorClaims struct {
	jwtlib.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

// Verifier checks bearer tokens issued by the identity provider and turns
// them into actors. Tokens are HS256 signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	if secret == "" {
		secret = "dev-change-me"
	}
	return &Verifier{secret: []byte(secret), now: time.Now}
}

func (v *Verifier) Parse(tokenStr string) (domain.Actor, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return domain.Actor{}, ErrInvalidToken
	}

	claims := &actorClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(issuer), jwtlib.WithTimeFunc(v.now))
	if err != nil || !token.Valid {
		return domain.Actor{}, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Actor{}, ErrInvalidToken
	}
	// The system role is reserved for in-process jobs.
	switch claims.Role {
	case domain.RoleSeller, domain.RoleManager, domain.RoleAdmin:
	default:
		return domain.Actor{}, ErrInvalidToken
	}

	name := claims.Name
	if name == "" {
		name = sub
	}
	return domain.Actor{ID: sub, Name: name, Role: claims.Role}, nil
}

// Sign issues a token for actor. It exists for tooling and tests; production
// tokens come from the identity provider.
func (v *Verifier) Sign(actor domain.Actor, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	now := v.now().UTC()
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		Name: actor.Name,
		Role: actor.Role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// PINGuard validates the manager PIN that gates sensitive approvals. Attempts
// are rate limited per subject so the PIN cannot be brute forced through the
// API.
type PINGuard struct {
	hash []byte

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewPINGuard hashes pin with bcrypt. An empty pin disables the guard and
// every check fails.
func NewPINGuard(pin string) (*PINGuard, error) {
	g := &PINGuard{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(time.Minute / 5),
		burst:    5,
	}
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return g, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	g.hash = hash
	return g, nil
}

func (g *PINGuard) Enabled() bool {
	return len(g.hash) > 0
}

// Check consumes one attempt for subject and compares pin against the stored
// hash.
func (g *PINGuard) Check(subject string, pin string) error {
	if !g.limiter(subject).Allow() {
		return ErrPINLocked
	}
	input := strings.TrimSpace(pin)
	if input == "" || !g.Enabled() {
		return ErrPINMismatch
	}
	if bcrypt.CompareHashAndPassword(g.hash, []byte(input)) != nil {
		return ErrPINMismatch
	}
	return nil
}

func (g *PINGuard) limiter(subject string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.limiters[subject]; ok {
		return l
	}
	l := rate.NewLimiter(g.every, g.burst)
	g.limiters[subject] = l
	return l
}
