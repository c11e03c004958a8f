package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/models"
	"github.com/vipul43/crmsync/internal/syncerr"
)

// AgencyTokenStore persists agency credentials
type AgencyTokenStore interface {
	GetActive(ctx context.Context, companyID, appID string) (*models.AgencyToken, error)
	UpdateTokens(ctx context.Context, tokenID string, accessToken string, refreshToken string, expiresAt time.Time) error
}

// CRMClient interface for remote CRM API operations
type CRMClient interface {
	ExchangeLocationToken(ctx context.Context, agencyAccessToken, companyID, locationID string) (*crm.LocationToken, error)
	RefreshAgencyToken(ctx context.Context, refreshToken string) (*crm.TokenRefreshResult, error)
	Search(ctx context.Context, token string, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error)
	Count(ctx context.Context, token string, entity crm.Entity, q crm.SearchQuery) (int, error)
}

// TokenManager is the only component that mints or refreshes remote
// credentials. Location tokens are never cached beyond one Session.
type TokenManager struct {
	store  AgencyTokenStore
	client CRMClient
	appID  string
	group  singleflight.Group
}

func NewTokenManager(store AgencyTokenStore, client CRMClient, appID string) *TokenManager {
	return &TokenManager{
		store:  store,
		client: client,
		appID:  appID,
	}
}

// GetLocationToken exchanges the company's agency token for a token scoped to
// locationID, refreshing the agency token first when it is expired. An auth
// rejection of the exchange triggers one forced refresh and one more attempt.
func (m *TokenManager) GetLocationToken(ctx context.Context, companyID, locationID string) (*crm.LocationToken, error) {
	agency, err := m.agencyToken(ctx, companyID)
	if err != nil {
		return nil, err
	}

	// Check if agency token is expired and refresh if needed
	if agency.AccessToken == nil || isTokenExpired(agency.ExpiresAt) {
		log.Info().Str("company_id", companyID).Msg("agency token expired, refreshing")
		if agency, err = m.RefreshAgencyToken(ctx, companyID, ""); err != nil {
			return nil, err
		}
	}

	token, err := m.client.ExchangeLocationToken(ctx, *agency.AccessToken, companyID, locationID)
	if err == nil {
		return token, nil
	}
	if syncerr.Classify(err) != syncerr.KindAuth {
		return nil, exchangeError(err)
	}

	log.Warn().Err(err).Str("company_id", companyID).Str("location_id", locationID).
		Msg("token exchange rejected, refreshing agency token")

	if agency, err = m.RefreshAgencyToken(ctx, companyID, *agency.AccessToken); err != nil {
		return nil, err
	}
	token, err = m.client.ExchangeLocationToken(ctx, *agency.AccessToken, companyID, locationID)
	if err != nil {
		return nil, exchangeError(err)
	}
	return token, nil
}

// RefreshAgencyToken refreshes the company's agency token and overwrites the
// stored row. Concurrent callers for one company share a single refresh so a
// rotated refresh token is only spent once. When stale is set and the stored
// access token already differs from it, someone else refreshed in the
// meantime and the stored token is returned as is.
func (m *TokenManager) RefreshAgencyToken(ctx context.Context, companyID, stale string) (*models.AgencyToken, error) {
	v, err, shared := m.group.Do(companyID, func() (interface{}, error) {
		agency, err := m.agencyToken(ctx, companyID)
		if err != nil {
			return nil, err
		}
		if stale != "" && agency.AccessToken != nil && *agency.AccessToken != stale && !isTokenExpired(agency.ExpiresAt) {
			return agency, nil
		}
		if agency.RefreshToken == nil || *agency.RefreshToken == "" {
			return nil, syncerr.New(syncerr.KindAuth, "refresh agency token",
				fmt.Errorf("%w: no refresh token available", syncerr.ErrRefreshFailed))
		}

		result, err := m.client.RefreshAgencyToken(ctx, *agency.RefreshToken)
		if err != nil {
			return nil, syncerr.New(syncerr.KindAuth, "refresh agency token",
				fmt.Errorf("%w: %w", syncerr.ErrRefreshFailed, err))
		}

		// Update stored token in place
		if err := m.store.UpdateTokens(ctx, agency.ID, result.AccessToken, result.RefreshToken, result.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to update tokens in database: %w", err)
		}

		log.Info().
			Str("company_id", companyID).
			Time("expires_at", result.ExpiresAt).
			Bool("rotated", result.RefreshToken != *agency.RefreshToken).
			Msg("agency token refreshed")

		agency.AccessToken = &result.AccessToken
		agency.RefreshToken = &result.RefreshToken
		agency.ExpiresAt = &result.ExpiresAt
		return agency, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("company_id", companyID).Msg("joined in-flight agency token refresh")
	}

	// Callers must not share the pointer
	agency := *v.(*models.AgencyToken)
	return &agency, nil
}

func (m *TokenManager) agencyToken(ctx context.Context, companyID string) (*models.AgencyToken, error) {
	if companyID == "" {
		return nil, syncerr.New(syncerr.KindFatal, "resolve agency token",
			fmt.Errorf("%w: location has no company", syncerr.ErrNoAgencyToken))
	}
	agency, err := m.store.GetActive(ctx, companyID, m.appID)
	if err != nil {
		return nil, syncerr.Wrap("resolve agency token", err)
	}
	return agency, nil
}

func exchangeError(err error) error {
	return syncerr.New(syncerr.Classify(err), "exchange location token",
		fmt.Errorf("%w: %w", syncerr.ErrExchangeFailed, err))
}

// isTokenExpired checks if token is expired or will expire in next 5 minutes
func isTokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true // Assume expired if no expiry time
	}
	return time.Now().Add(5 * time.Minute).After(*expiresAt)
}

// Session is a location-scoped view of the remote API for one sync run. It
// implements fetcher.Source and re-authenticates at most once per call.
type Session struct {
	manager    *TokenManager
	client     CRMClient
	companyID  string
	locationID string

	mu    sync.Mutex
	token *crm.LocationToken
}

// NewSession mints the location token up front so a run without valid
// credentials fails before touching any state.
func (m *TokenManager) NewSession(ctx context.Context, companyID, locationID string) (*Session, error) {
	token, err := m.GetLocationToken(ctx, companyID, locationID)
	if err != nil {
		return nil, err
	}
	return &Session{
		manager:    m,
		client:     m.client,
		companyID:  companyID,
		locationID: locationID,
		token:      token,
	}, nil
}

func (s *Session) Search(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error) {
	var res *crm.SearchResult
	err := s.withAuthRetry(ctx, func(token string) error {
		var err error
		res, err = s.client.Search(ctx, token, entity, q)
		return err
	})
	return res, err
}

func (s *Session) Count(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (int, error) {
	var total int
	err := s.withAuthRetry(ctx, func(token string) error {
		var err error
		total, err = s.client.Count(ctx, token, entity, q)
		return err
	})
	return total, err
}

func (s *Session) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token.AccessToken
}

func (s *Session) withAuthRetry(ctx context.Context, call func(token string) error) error {
	used := s.current()
	err := call(used)
	if err == nil || syncerr.Classify(err) != syncerr.KindAuth {
		return err
	}

	log.Warn().Err(err).Str("location_id", s.locationID).Msg("remote call rejected, re-authenticating")
	if rerr := s.reauthenticate(ctx, used); rerr != nil {
		return rerr
	}

	if err := call(s.current()); err != nil {
		if syncerr.Classify(err) == syncerr.KindAuth {
			return syncerr.New(syncerr.KindAuth, "remote call after re-authentication", err)
		}
		return err
	}
	return nil
}

// reauthenticate forces an agency refresh and re-exchanges the location token,
// unless another caller already replaced the token that failed.
func (s *Session) reauthenticate(ctx context.Context, failed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.AccessToken != failed {
		return nil
	}

	agency, err := s.manager.RefreshAgencyToken(ctx, s.companyID, "")
	if err != nil {
		return err
	}
	token, err := s.client.ExchangeLocationToken(ctx, *agency.AccessToken, s.companyID, s.locationID)
	if err != nil {
		return exchangeError(err)
	}
	s.token = token
	return nil
}
