// Package otp stores short-lived one-time passcodes keyed by canonical phone
// number in Redis.
package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"plexus/pkg/auth"
	"plexus/pkg/domain"
)

const (
	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 3
	CodeLength         = 6
)

// Outcome classifies a verification attempt.
type Outcome int

const (
	OutcomeNoRecord Outcome = iota
	OutcomeMismatch
	OutcomeExhausted
	OutcomeSuccess
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeSuccess:
		return "success"
	default:
		return "no_record"
	}
}

// RequestContext is stored with the record for audit only.
type RequestContext struct {
	IP        string
	UserAgent string
}

// Issued carries the plaintext code back to the caller for delivery. The
// code is never persisted.
type Issued struct {
	Record domain.OTPRecord
	Code   string
}

type Result struct {
	Outcome   Outcome
	Record    domain.OTPRecord
	Remaining int
}

type Options struct {
	KeyPrefix   string
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
}

// Ledger keeps at most one live record per phone number. Verify is a plain
// read-modify-write; concurrent verifies of the same record may both observe
// the same attempt count.
type Ledger struct {
	client      redis.UniversalClient
	keyPrefix   string
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewLedger(client redis.UniversalClient, opts Options) (*Ledger, error) {
	if client == nil {
		return nil, errors.New("otp redis client is required")
	}
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = "plexus"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		client:      client,
		keyPrefix:   prefix,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         now,
	}, nil
}

// TTL is the lifetime of a freshly issued record.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Issue generates a new code for phone, replacing any prior record.
func (l *Ledger) Issue(ctx context.Context, phone, email string, rc RequestContext) (Issued, error) {
	code, err := auth.GenerateNumericCode(CodeLength)
	if err != nil {
		return Issued{}, fmt.Errorf("generate otp code: %w", err)
	}
	hash, err := auth.HashCode(code)
	if err != nil {
		return Issued{}, fmt.Errorf("hash otp code: %w", err)
	}
	now := l.now().UTC()
	rec := domain.OTPRecord{
		Phone:     phone,
		CodeHash:  hash,
		Email:     email,
		ExpiresAt: now.Add(l.ttl),
		IP:        rc.IP,
		UserAgent: rc.UserAgent,
		CreatedAt: now,
	}
	if err := l.put(ctx, rec, l.ttl); err != nil {
		return Issued{}, err
	}
	return Issued{Record: rec, Code: code}, nil
}

// Verify checks code against the live record for phone. A mismatch is
// persisted before returning; the final allowed mismatch deletes the record.
// Success marks the record verified but leaves it in place until Consume.
func (l *Ledger) Verify(ctx context.Context, phone, code string) (Result, error) {
	key := l.key(phone)
	rec, ok, err := l.Get(ctx, phone)
	if err != nil || !ok {
		return Result{Outcome: OutcomeNoRecord}, err
	}
	now := l.now().UTC()
	if !now.Before(rec.ExpiresAt) {
		_ = l.client.Del(ctx, key).Err()
		return Result{Outcome: OutcomeNoRecord}, nil
	}
	if rec.Attempts >= l.maxAttempts {
		_ = l.client.Del(ctx, key).Err()
		return Result{Outcome: OutcomeExhausted, Record: rec}, nil
	}

	if !auth.CheckCode(strings.TrimSpace(code), rec.CodeHash) {
		rec.Attempts++
		if rec.Attempts >= l.maxAttempts {
			if err := l.client.Del(ctx, key).Err(); err != nil {
				return Result{}, err
			}
			return Result{Outcome: OutcomeExhausted, Record: rec}, nil
		}
		if err := l.put(ctx, rec, rec.ExpiresAt.Sub(now)); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeMismatch, Record: rec, Remaining: l.maxAttempts - rec.Attempts}, nil
	}

	rec.Verified = true
	rec.VerifiedAt = &now
	if err := l.put(ctx, rec, rec.ExpiresAt.Sub(now)); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeSuccess, Record: rec, Remaining: l.maxAttempts - rec.Attempts}, nil
}

// Consume deletes the record for phone.
func (l *Ledger) Consume(ctx context.Context, phone string) error {
	return l.client.Del(ctx, l.key(phone)).Err()
}

// Get returns the live record for phone, if any.
func (l *Ledger) Get(ctx context.Context, phone string) (domain.OTPRecord, bool, error) {
	raw, err := l.client.Get(ctx, l.key(phone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.OTPRecord{}, false, nil
	}
	if err != nil {
		return domain.OTPRecord{}, false, err
	}
	var rec domain.OTPRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.OTPRecord{}, false, fmt.Errorf("unmarshal otp record: %w", err)
	}
	return rec, true, nil
}

func (l *Ledger) put(ctx context.Context, rec domain.OTPRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return l.client.Del(ctx, l.key(rec.Phone)).Err()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal otp record: %w", err)
	}
	return l.client.Set(ctx, l.key(rec.Phone), raw, ttl).Err()
}

func (l *Ledger) key(phone string) string {
	return fmt.Sprintf("%s:otp:%s", l.keyPrefix, phone)
}
