// Package tokens mints and redeems single-use agent registration tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/internal/store"
)

// tokenBytes of entropy per token value.
const tokenBytes = 32

// Service mints tokens and sweeps expired ones on a schedule.
type Service struct {
	store  store.Store
	ttl    time.Duration
	cron   *cron.Cron
	logger *logger.Logger
}

func New(st store.Store, ttl time.Duration, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		ttl:    ttl,
		cron:   cron.New(),
		logger: log.WithFields(zap.String("component", "tokens")),
	}
}

// Mint creates a fresh registration token for an owner.
func (s *Service) Mint(ctx context.Context, ownerID string) (*store.RegistrationToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	token := &store.RegistrationToken{
		Value:     hex.EncodeToString(buf),
		OwnerID:   ownerID,
		ExpiresAt: time.Now().UTC().Add(s.ttl),
	}
	if err := s.store.CreateToken(ctx, token); err != nil {
		return nil, err
	}
	s.logger.Info("Registration token minted",
		zap.String("owner_id", ownerID),
		zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

// Consume redeems a token, atomically marking it used. Unknown, expired, and
// already-used tokens all fail.
func (s *Service) Consume(ctx context.Context, value string) (*store.RegistrationToken, error) {
	return s.store.ConsumeToken(ctx, value, time.Now().UTC())
}

// StartSweeper schedules periodic deletion of expired tokens.
func (s *Service) StartSweeper() error {
	_, err := s.cron.AddFunc("@every 1m", func() {
		deleted, err := s.store.DeleteExpiredTokens(context.Background(), time.Now().UTC())
		if err != nil {
			s.logger.Error("Token sweep failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			s.logger.Debug("Swept expired tokens", zap.Int("deleted", deleted))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the sweeper.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
