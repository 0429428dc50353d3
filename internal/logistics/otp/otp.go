package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Phases guarded by a code.
const (
	PhasePickup   = "pickup"
	PhaseDelivery = "delivery"
)

var (
	ErrMalformed = errors.New("otp: malformed code")
	ErrIncorrect = errors.New("otp: incorrect code")
	ErrExpired   = errors.New("otp: code expired")
	ErrNoCode    = errors.New("otp: no active code")
)

// Code is an issued one-time code. Plain is only known at issue time; the store keeps Hash.
type Code struct {
	Plain     string
	Hash      string
	Phase     string
	ExpiresAt *time.Time
}

// Service issues and verifies numeric codes.
type Service struct {
	length int
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// New constructs a Service. length is clamped to 4..6, ttl of zero disables expiry.
func New(length int, ttl time.Duration) *Service {
	if length < 4 {
		length = 4
	}
	if length > 6 {
		length = 6
	}
	return &Service{length: length, ttl: ttl, cost: bcrypt.MinCost, now: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue generates a code for phase.
func (s *Service) Issue(phase string) (Code, error) {
	plain, err := generate(s.length)
	if err != nil {
		return Code{}, err
	}
	return s.Seal(plain, phase)
}

// Seal hashes a known code for storage.
func (s *Service) Seal(plain, phase string) (Code, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), s.cost)
	if err != nil {
		return Code{}, fmt.Errorf("otp: hash: %w", err)
	}
	c := Code{Plain: plain, Hash: string(hash), Phase: phase}
	if s.ttl > 0 {
		exp := s.now().Add(s.ttl)
		c.ExpiresAt = &exp
	}
	return c, nil
}

// Verify checks input against the stored hash for the expected phase.
func (s *Service) Verify(hash, phase, storedPhase string, expiresAt *time.Time, input string) error {
	input = strings.TrimSpace(input)
	if !wellFormed(input) {
		return ErrMalformed
	}
	if hash == "" || storedPhase != phase {
		return ErrNoCode
	}
	if expiresAt != nil && !s.now().Before(*expiresAt) {
		return ErrExpired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)); err != nil {
		return ErrIncorrect
	}
	return nil
}

func wellFormed(code string) bool {
	if len(code) < 4 || len(code) > 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func generate(length int) (string, error) {
	lo := pow10(length - 1)
	n, err := rand.Int(rand.Reader, big.NewInt(pow10(length)-lo))
	if err != nil {
		return "", fmt.Errorf("otp: random: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+lo), nil
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
